// Package control exposes the controller operations as JSON commands over MQTT.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/faux123/tuna/internal/config"
	"github.com/faux123/tuna/internal/cpufreq"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	subscribeTimeout = 5 * time.Second
	publishTimeout   = 2 * time.Second
)

// Command is a control plane request.
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response acknowledges a Command on the status topic.
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Client is the subset of mqtt.Client the handler needs.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// VoltageTable is the optional voltage override surface.
type VoltageTable interface {
	Voltages() (map[uint]uint, error)
	Store(input string) error
}

type Handler struct {
	controller cpufreq.Controller
	voltages   VoltageTable
	client     Client
	commands   chan Command
	log        logr.Logger

	controlTopic string
	statusTopic  string
	controlQoS   byte
	statusQoS    byte
}

// NewHandler creates a control plane handler. voltages may be nil.
func NewHandler(cfg *config.Config, client Client, controller cpufreq.Controller, voltages VoltageTable) *Handler {
	return &Handler{
		controller:   controller,
		voltages:     voltages,
		client:       client,
		commands:     make(chan Command, 10),
		log:          ctrl.Log.WithName("control"),
		controlTopic: cfg.MQTT.Topics.Control,
		statusTopic:  cfg.MQTT.Topics.Status,
		controlQoS:   cfg.MQTT.QoS["control"],
		statusQoS:    cfg.MQTT.QoS["status"],
	}
}

// Start subscribes to the control topic and processes commands until ctx is
// cancelled.
func (h *Handler) Start(ctx context.Context) error {
	h.log.V(4).Info("subscribing to control plane", "topic", h.controlTopic, "qos", h.controlQoS)

	token := h.client.Subscribe(h.controlTopic, h.controlQoS, h.messageHandler)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	h.log.Info("control plane handler started")
	h.processCommands(ctx)

	if h.client.IsConnected() {
		h.client.Unsubscribe(h.controlTopic).WaitTimeout(publishTimeout)
	}
	h.log.Info("control plane handler stopped")
	return nil
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.log.Error(err, "failed to parse control command")
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     statusError,
			Error:      "invalid JSON",
		})
		return
	}

	h.log.V(4).Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		h.log.Info("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

// frequencyParam reads a kHz value from params.
func frequencyParam(params map[string]interface{}) (uint, error) {
	value, ok := params["frequency_khz"].(float64)
	if !ok || value < 0 {
		return 0, fmt.Errorf("missing or invalid 'frequency_khz' parameter (expected positive number)")
	}
	return uint(value), nil
}

func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, Status: statusSuccess}
	fail := func(err error) Response {
		resp.Status = statusError
		resp.Error = err.Error()
		return resp
	}

	switch cmd.Command {
	case "get_status":
		resp.Data = h.status()

	case "set_target":
		freq, err := frequencyParam(cmd.Params)
		if err != nil {
			return fail(err)
		}
		actual, err := h.controller.SetTarget(freq)
		if err != nil {
			return fail(err)
		}
		resp.Data = map[string]interface{}{"frequency_khz": actual}

	case "set_screen_off_cap":
		freq, err := frequencyParam(cmd.Params)
		if err != nil {
			return fail(err)
		}
		capped, err := h.controller.SetScreenOffCap(freq)
		if err != nil {
			return fail(err)
		}
		resp.Data = map[string]interface{}{"screen_off_khz": capped}

	case "clear_screen_off_cap":
		if err := h.controller.ClearScreenOffCap(); err != nil {
			return fail(err)
		}

	case "screen_off":
		if err := h.controller.ScreenOff(); err != nil {
			return fail(err)
		}

	case "screen_on":
		if err := h.controller.ScreenOn(); err != nil {
			return fail(err)
		}

	case "suspend":
		h.controller.Suspend()

	case "resume":
		if err := h.controller.Resume(); err != nil {
			return fail(err)
		}

	case "cooling_level":
		level, ok := cmd.Params["level"].(float64)
		if !ok || level < 0 {
			return fail(fmt.Errorf("missing or invalid 'level' parameter (expected non-negative number)"))
		}
		h.controller.ReportCoolingLevel(int(level))
		resp.Data = map[string]interface{}{"thermal": h.controller.ThermalState().String()}

	case "thermal_throttle":
		h.controller.ThermalThrottle()

	case "thermal_unthrottle":
		h.controller.ThermalUnthrottle()

	case "get_voltages", "set_voltages":
		if h.voltages == nil {
			return fail(fmt.Errorf("%s not enabled", cmd.Command))
		}
		if cmd.Command == "set_voltages" {
			table, ok := cmd.Params["millivolts"].(string)
			if !ok || strings.TrimSpace(table) == "" {
				return fail(fmt.Errorf("missing or invalid 'millivolts' parameter (expected string)"))
			}
			if err := h.voltages.Store(table); err != nil {
				return fail(err)
			}
		}
		volts, err := h.voltages.Voltages()
		if err != nil {
			return fail(err)
		}
		data := make(map[string]interface{}, len(volts))
		for freq, microvolts := range volts {
			data[fmt.Sprintf("%d", freq)] = microvolts
		}
		resp.Data = data

	default:
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}

	return resp
}

func (h *Handler) status() map[string]interface{} {
	status := h.controller.Status()
	data := map[string]interface{}{
		"ready":          status.Ready,
		"suspended":      status.Suspended,
		"max_table_khz":  status.MaxTableFreq,
		"thermal_khz":    status.MaxThermal,
		"capped_khz":     status.MaxCapped,
		"screen_off_khz": status.ScreenOffMax,
		"target_khz":     status.CurrentTarget,
		"applied_khz":    status.Applied,
		"cooling_level":  status.CoolingLevel,
		"thermal":        status.Thermal.String(),
	}
	if speed, err := h.controller.CurrentSpeed(); err == nil {
		data["current_khz"] = speed
	}
	return data
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.log.Error(err, "failed to marshal response")
		return
	}

	token := h.client.Publish(h.statusTopic, h.statusQoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		h.log.Error(fmt.Errorf("publish timeout"), "failed to publish response", "command_ack", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		h.log.Error(err, "failed to publish response", "command_ack", resp.CommandAck)
		return
	}

	h.log.V(5).Info("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

package notify

import (
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr"
	"github.com/vmihailenco/msgpack/v5"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/faux123/tuna/internal/config"
	"github.com/faux123/tuna/internal/cpufreq"
)

const publishTimeout = 2 * time.Second

// Publisher is the subset of mqtt.Client used to publish.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// TransitionMessage is the msgpack payload published for each transition.
type TransitionMessage struct {
	Instance  string `msgpack:"instance"`
	Phase     string `msgpack:"phase"`
	Old       uint   `msgpack:"old_khz"`
	New       uint   `msgpack:"new_khz"`
	CPUs      []uint `msgpack:"cpus"`
	Timestamp int64  `msgpack:"ts"`
}

// MQTTNotifier publishes transitions without waiting for the broker, as
// notifications are delivered while a transition is in progress.
type MQTTNotifier struct {
	client   Publisher
	instance string
	topic    string
	qos      byte
	log      logr.Logger

	published atomic.Uint64
	errors    atomic.Uint64
}

func NewMQTTNotifier(client Publisher, cfg *config.Config) *MQTTNotifier {
	return &MQTTNotifier{
		client:   client,
		instance: cfg.InstanceID,
		topic:    cfg.MQTT.Topics.Transitions,
		qos:      cfg.MQTT.QoS["transitions"],
		log:      ctrl.Log.WithName("mqtt-notifier"),
	}
}

func (n *MQTTNotifier) Notify(t cpufreq.Transition) {
	payload, err := msgpack.Marshal(&TransitionMessage{
		Instance:  n.instance,
		Phase:     t.Phase.String(),
		Old:       t.Old,
		New:       t.New,
		CPUs:      t.CPUs,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		n.errors.Add(1)
		n.log.Error(err, "failed to marshal transition")
		return
	}

	token := n.client.Publish(n.topic, n.qos, false, payload)
	go n.await(token)
}

func (n *MQTTNotifier) await(token mqtt.Token) {
	if !token.WaitTimeout(publishTimeout) {
		n.errors.Add(1)
		n.log.Error(fmt.Errorf("publish timeout"), "failed to publish transition", "topic", n.topic)
		return
	}
	if err := token.Error(); err != nil {
		n.errors.Add(1)
		n.log.Error(err, "failed to publish transition", "topic", n.topic)
		return
	}
	n.published.Add(1)
}

// Published and Errors count completed and failed publishes.
func (n *MQTTNotifier) Published() uint64 {
	return n.published.Load()
}

func (n *MQTTNotifier) Errors() uint64 {
	return n.errors.Load()
}

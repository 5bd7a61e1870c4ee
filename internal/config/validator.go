package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/faux123/tuna/internal/platform"
)

const (
	PlatformSysfs = "sysfs"

	defaultHotplugLock  = "/run/cpufreqd/hotplug.lock"
	defaultTickRate     = 100
	defaultSamplePeriod = 250 * time.Millisecond
	defaultMetricsAddr  = ":9464"
	minimumSamplePeriod = 10 * time.Millisecond
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.Platform == "" {
		cfg.Platform = PlatformSysfs
	}
	if cfg.Platform == PlatformSysfs {
		if len(cfg.EnableFrequencies) > 0 {
			return fmt.Errorf("enable_frequencies requires a known platform, got %q", cfg.Platform)
		}
		if cfg.Voltage.Enabled {
			return fmt.Errorf("voltage control requires a known platform, got %q", cfg.Platform)
		}
	} else {
		spec, err := platform.Lookup(cfg.Platform)
		if err != nil {
			return err
		}
		if _, err := spec.WithEnabled(cfg.EnableFrequencies...); err != nil {
			return err
		}
	}

	if cfg.HotplugLock == "" {
		cfg.HotplugLock = defaultHotplugLock
	}

	if cfg.TickRate == 0 {
		cfg.TickRate = defaultTickRate
	}

	if cfg.Thermal.SamplePeriod == 0 {
		cfg.Thermal.SamplePeriod = defaultSamplePeriod
	}
	if cfg.Thermal.SamplePeriod < minimumSamplePeriod {
		return fmt.Errorf("thermal.sample_period must be at least %s", minimumSamplePeriod)
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = defaultMetricsAddr
	}

	if cfg.MQTT.Broker != "" {
		validateMQTT(cfg)
	}

	return nil
}

func validateMQTT(cfg *Config) {
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("cpufreq/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Transitions == "" {
		cfg.MQTT.Topics.Transitions = fmt.Sprintf("cpufreq/transitions/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("cpufreq/status/%s", cfg.InstanceID)
	}

	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":     1,
			"transitions": 0,
			"status":      0,
		}
	}
}

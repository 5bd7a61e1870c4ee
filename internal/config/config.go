package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the cpufreqd daemon configuration.
type Config struct {
	InstanceID        string        `yaml:"instance_id"`
	Platform          string        `yaml:"platform"`           // omap4430, omap4460 or sysfs
	EnableFrequencies []uint        `yaml:"enable_frequencies"` // extra operating points to enable (kHz)
	CPU               uint          `yaml:"cpu"`                // cpu whose cpufreq policy drives the cluster
	HotplugLock       string        `yaml:"hotplug_lock"`
	TickRate          uint          `yaml:"tick_rate_hz"`
	ScreenOffMaxFreq  uint          `yaml:"screen_off_max_freq"` // kHz, 0 leaves the screen-off cap unset
	Thermal           ThermalConfig `yaml:"thermal"`
	Voltage           VoltageConfig `yaml:"voltage"`
	Metrics           MetricsConfig `yaml:"metrics"`
	MQTT              MQTTConfig    `yaml:"mqtt"`
}

type ThermalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CoolingDevice uint          `yaml:"cooling_device"`
	SamplePeriod  time.Duration `yaml:"sample_period"`
}

type VoltageConfig struct {
	Enabled bool `yaml:"enabled"`
}

type MetricsConfig struct {
	Address string `yaml:"address"`
}

// MQTTConfig is optional, an empty broker disables the MQTT transport.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

type MQTTTopics struct {
	Control     string `yaml:"control"`
	Transitions string `yaml:"transitions"`
	Status      string `yaml:"status"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

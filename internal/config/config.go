// Package config handles HeatSync configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/heatsync/config.yaml, /etc/heatsync/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "heatsync", "config.yaml"))
	}

	paths = append(paths, "/etc/heatsync/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all HeatSync configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Link      LinkConfig      `yaml:"link"`
	Transport TransportConfig `yaml:"transport"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Sampling  SamplingConfig  `yaml:"sampling"`
	Payload   PayloadConfig   `yaml:"payload"`
	TimeSync  TimeSyncConfig  `yaml:"time_sync"`
	HTTP      HTTPConfig      `yaml:"http"`
	State     StateConfig     `yaml:"state"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// DeviceConfig identifies this device in payloads and discovery.
type DeviceConfig struct {
	// ID is the payload deviceId. Empty means the link interface's
	// hardware address, falling back to a persisted instance ID.
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
}

// RetryConfig mirrors retry.Policy in YAML form. MaxAttempts of zero
// retries forever.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// LinkConfig defines how network association is detected.
type LinkConfig struct {
	Kind      string `yaml:"kind"`      // interface (default) or static
	Interface string `yaml:"interface"` // e.g. wlan0
	// ProbeURL is an optional HTTP endpoint that must answer 2xx before
	// the link counts as connected.
	ProbeURL      string        `yaml:"probe_url"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	InsecureProbe bool          `yaml:"insecure_probe"`
	Retry         RetryConfig   `yaml:"retry"`
}

// TransportConfig selects and configures the publish transport.
type TransportConfig struct {
	Kind  string      `yaml:"kind"` // mqtt (default), kafka, or none
	Topic string      `yaml:"topic"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
	Kafka KafkaConfig `yaml:"kafka"`
	Retry RetryConfig `yaml:"retry"`
}

// Enabled reports whether telemetry is published at all.
func (c TransportConfig) Enabled() bool {
	return c.Kind != "none"
}

// MQTTConfig defines MQTT broker connection settings.
type MQTTConfig struct {
	Broker          string    `yaml:"broker"` // tcp://, mqtt://, mqtts://, ssl://
	ProtocolVersion int       `yaml:"protocol_version"`
	ClientID        string    `yaml:"client_id"`
	Username        string    `yaml:"username"`
	Password        string    `yaml:"password"`
	QoS             byte      `yaml:"qos"`
	KeepAliveSec    uint16    `yaml:"keep_alive_sec"`
	DiscoveryPrefix string    `yaml:"discovery_prefix"` // empty disables HA discovery
	TLS             TLSConfig `yaml:"tls"`
}

// Configured reports whether a broker URL has been supplied.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// TLSConfig controls transport encryption.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`
}

// KafkaConfig defines Kafka broker settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TLS          TLSConfig     `yaml:"tls"`
}

// SensorConfig selects and configures the sensor driver.
type SensorConfig struct {
	Kind   string             `yaml:"kind"` // serial, iio, or sim
	Serial SerialSensorConfig `yaml:"serial"`
	IIO    IIOSensorConfig    `yaml:"iio"`
	Sim    SimSensorConfig    `yaml:"sim"`

	// Humidity set to false marks a temperature-only board: readings
	// drop humidity and discovery announces no humidity entity.
	// Unset means true.
	Humidity *bool `yaml:"humidity"`
}

// ReportsHumidity reports whether readings carry humidity.
func (c SensorConfig) ReportsHumidity() bool {
	if c.Humidity != nil {
		return *c.Humidity
	}
	return c.Kind != "sim" || !c.Sim.NoHumidity
}

// SerialSensorConfig configures a microcontroller attached over a
// serial line.
type SerialSensorConfig struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	Request     string        `yaml:"request"` // written before each read when set
}

// IIOSensorConfig points at a Linux IIO device directory.
type IIOSensorConfig struct {
	Device string `yaml:"device"` // e.g. /sys/bus/iio/devices/iio:device0
}

// SimSensorConfig configures the simulated sensor.
type SimSensorConfig struct {
	Seed        uint64  `yaml:"seed"`
	InvalidRate float64 `yaml:"invalid_rate"`
	NoHumidity  bool    `yaml:"no_humidity"`
}

// SamplingConfig defines the cadence.
type SamplingConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// PayloadConfig selects the wire shape.
type PayloadConfig struct {
	Format string `yaml:"format"` // json (default) or plain
}

// TimeSyncConfig controls the optional timestamp.
type TimeSyncConfig struct {
	Enabled bool `yaml:"enabled"`
	// Wait bounds how long startup blocks for the clock to sync.
	Wait time.Duration `yaml:"wait"`
}

// HTTPConfig defines the optional status server.
type HTTPConfig struct {
	Enabled  bool      `yaml:"enabled"`
	Address  string    `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port     int       `yaml:"port"`
	MaxConns int       `yaml:"max_conns"`
	LED      LEDConfig `yaml:"led"`
}

// LEDConfig selects the LED backend.
type LEDConfig struct {
	Kind string `yaml:"kind"` // memory (default) or sysfs
	Name string `yaml:"name"` // /sys/class/leds/<name>
}

// StateConfig configures the operational state database.
type StateConfig struct {
	Driver string `yaml:"driver"` // sqlite (default, pure Go) or sqlite3 (cgo)
	Path   string `yaml:"path"`   // default: <data_dir>/heatsync.db
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration: static link, simulated
// sensor, MQTT to a local broker, HTTP status server on port 8080.
func Default() *Config {
	cfg := &Config{
		Link:     LinkConfig{Kind: "static"},
		Sensor:   SensorConfig{Kind: "sim"},
		HTTP:     HTTPConfig{Enabled: true},
		TimeSync: TimeSyncConfig{Enabled: true},
		Transport: TransportConfig{
			MQTT: MQTTConfig{Broker: "tcp://localhost:1883"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Device.Name == "" {
		c.Device.Name = "heatsync"
	}
	if c.Device.Model == "" {
		c.Device.Model = "DHT11"
	}

	if c.Link.Kind == "" {
		c.Link.Kind = "interface"
	}
	if c.Link.ProbeTimeout <= 0 {
		c.Link.ProbeTimeout = 5 * time.Second
	}
	if c.Link.Retry.Delay <= 0 {
		c.Link.Retry.Delay = 500 * time.Millisecond
	}

	if c.Transport.Kind == "" {
		c.Transport.Kind = "mqtt"
	}
	if c.Transport.Topic == "" {
		c.Transport.Topic = "heatsync/telemetry"
	}
	if c.Transport.Retry.Delay <= 0 {
		c.Transport.Retry.Delay = 5 * time.Second
	}
	if c.Transport.MQTT.ProtocolVersion == 0 {
		c.Transport.MQTT.ProtocolVersion = 5
	}
	if c.Transport.MQTT.ClientID == "" {
		c.Transport.MQTT.ClientID = "heatsync-" + c.Device.Name
	}
	if c.Transport.MQTT.KeepAliveSec == 0 {
		c.Transport.MQTT.KeepAliveSec = 30
	}
	if c.Transport.Kafka.WriteTimeout <= 0 {
		c.Transport.Kafka.WriteTimeout = 10 * time.Second
	}

	if c.Sensor.Kind == "" {
		c.Sensor.Kind = "serial"
	}
	if c.Sensor.Serial.Baud == 0 {
		c.Sensor.Serial.Baud = 115200
	}
	if c.Sensor.Serial.ReadTimeout <= 0 {
		c.Sensor.Serial.ReadTimeout = 2 * time.Second
	}

	if c.Sampling.Interval <= 0 {
		c.Sampling.Interval = 10 * time.Second
	}
	c.Payload.Format = strings.ToLower(strings.TrimSpace(c.Payload.Format))
	if c.Payload.Format == "" {
		c.Payload.Format = "json"
	}
	if c.TimeSync.Wait <= 0 {
		c.TimeSync.Wait = 15 * time.Second
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.MaxConns == 0 {
		c.HTTP.MaxConns = 4
	}
	if c.HTTP.LED.Kind == "" {
		c.HTTP.LED.Kind = "memory"
	}

	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.State.Driver == "" {
		c.State.Driver = "sqlite"
	}
	if c.State.Path == "" {
		c.State.Path = filepath.Join(c.DataDir, "heatsync.db")
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat)
	}

	switch c.Link.Kind {
	case "interface":
		if c.Link.Interface == "" {
			return fmt.Errorf("link.interface is required for link.kind %q", c.Link.Kind)
		}
	case "static":
	default:
		return fmt.Errorf("link.kind %q invalid (valid: interface, static)", c.Link.Kind)
	}
	if c.Link.ProbeURL != "" {
		if _, err := url.ParseRequestURI(c.Link.ProbeURL); err != nil {
			return fmt.Errorf("link.probe_url: %w", err)
		}
	}

	switch c.Transport.Kind {
	case "mqtt":
		if !c.Transport.MQTT.Configured() {
			return fmt.Errorf("transport.mqtt.broker is required")
		}
		u, err := url.Parse(c.Transport.MQTT.Broker)
		if err != nil {
			return fmt.Errorf("transport.mqtt.broker: %w", err)
		}
		switch strings.ToLower(u.Scheme) {
		case "tcp", "mqtt", "mqtts", "ssl", "tls":
		default:
			return fmt.Errorf("transport.mqtt.broker scheme %q unsupported", u.Scheme)
		}
		if v := c.Transport.MQTT.ProtocolVersion; v != 3 && v != 5 {
			return fmt.Errorf("transport.mqtt.protocol_version %d invalid (valid: 3, 5)", v)
		}
		if c.Transport.MQTT.QoS > 2 {
			return fmt.Errorf("transport.mqtt.qos %d invalid", c.Transport.MQTT.QoS)
		}
	case "kafka":
		if len(c.Transport.Kafka.Brokers) == 0 {
			return fmt.Errorf("transport.kafka.brokers is required")
		}
	case "none":
		if !c.HTTP.Enabled {
			return fmt.Errorf("transport.kind none requires http.enabled")
		}
	default:
		return fmt.Errorf("transport.kind %q invalid (valid: mqtt, kafka, none)", c.Transport.Kind)
	}

	switch c.Sensor.Kind {
	case "serial":
		if c.Sensor.Serial.Port == "" {
			return fmt.Errorf("sensor.serial.port is required")
		}
	case "iio":
		if c.Sensor.IIO.Device == "" {
			return fmt.Errorf("sensor.iio.device is required")
		}
	case "sim":
		if r := c.Sensor.Sim.InvalidRate; r < 0 || r > 1 {
			return fmt.Errorf("sensor.sim.invalid_rate %v out of range [0,1]", r)
		}
	default:
		return fmt.Errorf("sensor.kind %q invalid (valid: serial, iio, sim)", c.Sensor.Kind)
	}

	switch c.Payload.Format {
	case "json", "plain":
	default:
		return fmt.Errorf("payload.format %q invalid (valid: json, plain)", c.Payload.Format)
	}

	switch c.HTTP.LED.Kind {
	case "memory":
	case "sysfs":
		if c.HTTP.LED.Name == "" {
			return fmt.Errorf("http.led.name is required for sysfs LEDs")
		}
	default:
		return fmt.Errorf("http.led.kind %q invalid (valid: memory, sysfs)", c.HTTP.LED.Kind)
	}

	switch c.State.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("state.driver %q invalid (valid: sqlite, sqlite3)", c.State.Driver)
	}

	for name, r := range map[string]RetryConfig{"link.retry": c.Link.Retry, "transport.retry": c.Transport.Retry} {
		if r.MaxAttempts < 0 {
			return fmt.Errorf("%s.max_attempts must not be negative", name)
		}
		if r.Multiplier > 1 && r.MaxDelay > 0 && r.MaxDelay < r.Delay {
			return fmt.Errorf("%s.max_delay must be >= delay", name)
		}
	}

	return nil
}

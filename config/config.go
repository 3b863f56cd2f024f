package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the client's own configuration: which PIM to dial, which
// dialect to speak to it, and the bus device the caller wants to operate
// on. Nothing here is the command-line flag parser — that lives outside
// the core.
type Config struct {
	PIM       PIMConfig       `yaml:"pim"`
	Bus       BusConfig       `yaml:"bus"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// PIMConfig addresses the TCP endpoint. The wire dialect is chosen by
// GatewayConfig (see UsesGateway).
type PIMConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BusConfig names the bus device the caller wants to operate on. The
// Client does not read it: ReadDeviceRegisters takes the network and
// device ids as arguments.
type BusConfig struct {
	NetworkID byte `yaml:"network_id"`
	DeviceID  byte `yaml:"device_id"`
}

// GatewayConfig holds the credentials used by the Gateway dialect's
// handshake. An empty Username selects the RawAscii dialect instead.
type GatewayConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TimeoutsConfig holds the fixed timers: TCP connect, and the
// per-in-flight resend interval shared by the handshake queue, the
// gateway-command queue and the bus Multiplexer.
type TimeoutsConfig struct {
	Connect time.Duration `yaml:"connect"`
	Resend  time.Duration `yaml:"resend"`
}

// ReconnectConfig controls the reconnect supervisor's fixed-interval retry
// loop (no exponential backoff — see the reconnect-supervisor note in
// SPEC_FULL.md's teacher-idiom mapping section).
type ReconnectConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Load reads a YAML config file, applying the defaults below to any field
// left unset by the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		PIM: PIMConfig{
			Host: "127.0.0.1",
			Port: 2101,
		},
		Timeouts: TimeoutsConfig{
			Connect: 10 * time.Second,
			Resend:  10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Enabled:  true,
			Interval: 5 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// UsesGateway reports whether credentials select the Gateway dialect over
// RawAscii: a non-empty username means build a Gateway transport, otherwise
// RawAscii.
func (c *Config) UsesGateway() bool {
	return c.Gateway.Username != ""
}

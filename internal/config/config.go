package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Platform  PlatformConfig  `yaml:"platform"`
	Motor     MotorConfig     `yaml:"motor"`
	Outputs   []OutputConfig  `yaml:"outputs"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	HTTP      HTTPConfig      `yaml:"http"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type PlatformConfig struct {
	// Backend is one of sim, rpio, gpiod.
	Backend        string `yaml:"backend"`
	PWMFrequencyHz int    `yaml:"pwm_frequency_hz"`
	// GPIOChip pins the gpiod backend to one chip (e.g. gpiochip0).
	GPIOChip string `yaml:"gpiochip"`
	// PWM maps a drive pin (BCM numbering) to its sysfs PWM channel.
	PWM   map[int]PWMChannelConfig `yaml:"pwm"`
	Sense SenseConfig              `yaml:"sense"`
}

type PWMChannelConfig struct {
	Chip    string `yaml:"chip"`
	Channel int    `yaml:"channel"`
}

type SenseConfig struct {
	// I2CBus is the ADS1115 adapter, e.g. /dev/i2c-1. Empty disables current
	// sense readback.
	I2CBus  string `yaml:"i2c_bus"`
	Address uint16 `yaml:"address"`
}

type MotorConfig struct {
	MinSpeed     *int `yaml:"min_speed"`
	MaxSpeed     *int `yaml:"max_speed"`
	InitialSpeed *int `yaml:"initial_speed"`
}

type OutputConfig struct {
	DrivePin   int `yaml:"drive_pin"`
	InhibitPin int `yaml:"inhibit_pin"`
	SensePin   int `yaml:"sense_pin"`
}

type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// TelemetryConfig streams monitor snapshots as JSON datagrams.
type TelemetryConfig struct {
	// UDPDest is host:port, e.g. 192.168.10.255:4100. Empty disables.
	UDPDest string `yaml:"udp_dest"`
}

// EnvOverrides are applied on top of the YAML file.
type EnvOverrides struct {
	ConfigPath string `env:"MCSMOTOR_CONFIG"`
	HTTPListen string `env:"MCSMOTOR_HTTP_LISTEN"`
	Backend    string `env:"MCSMOTOR_BACKEND"`
}

func LoadEnv() (EnvOverrides, error) {
	var e EnvOverrides
	if err := env.Parse(&e); err != nil {
		return EnvOverrides{}, fmt.Errorf("config: env: %w", err)
	}
	return e, nil
}

func (e EnvOverrides) Apply(cfg *Config) {
	if v := strings.TrimSpace(e.HTTPListen); v != "" {
		cfg.HTTP.Listen = v
	}
	if v := strings.TrimSpace(e.Backend); v != "" {
		cfg.Platform.Backend = v
	}
}

// Default is the Infineon shield wired to a Raspberry Pi header: hardware PWM
// on BCM 12/13, inhibit on BCM 5/6, IS outputs on ADS1115 AIN0/AIN1.
func Default() Config {
	cfg := Config{}
	if err := DefaultAndValidate(&cfg); err != nil {
		panic(err)
	}
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func intPtr(v int) *int { return &v }

func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	cfg.Platform.Backend = strings.ToLower(strings.TrimSpace(cfg.Platform.Backend))
	if cfg.Platform.Backend == "" {
		cfg.Platform.Backend = "sim"
	}
	switch cfg.Platform.Backend {
	case "sim", "rpio", "gpiod":
	default:
		return fmt.Errorf("platform.backend must be one of sim, rpio, gpiod")
	}
	if cfg.Platform.PWMFrequencyHz == 0 {
		cfg.Platform.PWMFrequencyHz = 490
	}
	if cfg.Platform.PWMFrequencyHz < 0 {
		return fmt.Errorf("platform.pwm_frequency_hz must be > 0")
	}
	if cfg.Platform.Sense.Address == 0 {
		cfg.Platform.Sense.Address = 0x48
	}

	if cfg.Motor.MinSpeed == nil {
		cfg.Motor.MinSpeed = intPtr(8)
	}
	if cfg.Motor.MaxSpeed == nil {
		cfg.Motor.MaxSpeed = intPtr(247)
	}
	if cfg.Motor.InitialSpeed == nil {
		cfg.Motor.InitialSpeed = intPtr(0)
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"motor.min_speed", *cfg.Motor.MinSpeed},
		{"motor.max_speed", *cfg.Motor.MaxSpeed},
		{"motor.initial_speed", *cfg.Motor.InitialSpeed},
	} {
		if f.v < 0 || f.v > 255 {
			return fmt.Errorf("%s must be within 0..255", f.name)
		}
	}
	if *cfg.Motor.MinSpeed > *cfg.Motor.MaxSpeed {
		return fmt.Errorf("motor.min_speed must be <= motor.max_speed")
	}

	if len(cfg.Outputs) == 0 {
		cfg.Outputs = []OutputConfig{
			{DrivePin: 12, InhibitPin: 5, SensePin: 0},
			{DrivePin: 13, InhibitPin: 6, SensePin: 1},
		}
	}
	if len(cfg.Outputs) != 2 {
		return fmt.Errorf("outputs must list exactly 2 half-bridges")
	}
	seen := make(map[string]string)
	for i, o := range cfg.Outputs {
		name := fmt.Sprintf("outputs[%d]", i)
		if o.DrivePin < 0 || o.InhibitPin < 0 || o.SensePin < 0 {
			return fmt.Errorf("%s pins must be >= 0", name)
		}
		if o.DrivePin == o.InhibitPin {
			return fmt.Errorf("%s.drive_pin and %s.inhibit_pin must differ", name, name)
		}
		// Sense pins are ADC inputs, a separate namespace from GPIO numbers.
		for _, p := range []struct {
			key string
			pin int
		}{
			{"gpio", o.DrivePin},
			{"gpio", o.InhibitPin},
			{"adc", o.SensePin},
		} {
			k := fmt.Sprintf("%s:%d", p.key, p.pin)
			if owner, ok := seen[k]; ok && owner != name {
				return fmt.Errorf("%s shares %s pin %d with %s", name, p.key, p.pin, owner)
			}
			seen[k] = name
		}
	}

	if cfg.Platform.Backend == "gpiod" {
		for i, o := range cfg.Outputs {
			if _, ok := cfg.Platform.PWM[o.DrivePin]; !ok {
				return fmt.Errorf("platform.pwm must map outputs[%d].drive_pin %d when platform.backend is 'gpiod'", i, o.DrivePin)
			}
		}
	}

	if cfg.Monitor.Interval <= 0 {
		cfg.Monitor.Interval = 1 * time.Second
	}
	cfg.HTTP.Listen = strings.TrimSpace(cfg.HTTP.Listen)

	cfg.Telemetry.UDPDest = strings.TrimSpace(cfg.Telemetry.UDPDest)
	if cfg.Telemetry.UDPDest != "" {
		if _, port, err := net.SplitHostPort(cfg.Telemetry.UDPDest); err != nil || port == "" {
			return fmt.Errorf("telemetry.udp_dest must be host:port")
		}
	}

	return nil
}

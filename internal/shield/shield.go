// Package shield assembles the two half-bridge channels of a dual motor
// control shield from configuration.
package shield

import (
	"errors"
	"fmt"
	"io"

	"mcsmotor/internal/config"
	"mcsmotor/internal/i2c"
	"mcsmotor/internal/motor"
	"mcsmotor/internal/platform"
	"mcsmotor/internal/sensors/ads1115"
)

var (
	openPlatformFn = platform.Open
	openI2CFn      = func(path string) (i2cBus, error) { return i2c.Open(path) }
)

type i2cBus interface {
	Tx(addr uint16, w, r []byte) error
	Close() error
}

// Shield owns the platform backend, the two half-bridge descriptors and one
// channel bound to each.
type Shield struct {
	backend  platform.Backend
	bridges  []*motor.HalfBridge
	channels []*motor.UniDirectional
	closers  []io.Closer
}

func Thresholds(cfg config.MotorConfig) motor.Thresholds {
	th := motor.DefaultThresholds()
	if cfg.MinSpeed != nil {
		th.Min = uint8(*cfg.MinSpeed)
	}
	if cfg.MaxSpeed != nil {
		th.Max = uint8(*cfg.MaxSpeed)
	}
	if cfg.InitialSpeed != nil {
		th.Initial = uint8(*cfg.InitialSpeed)
	}
	return th
}

// Open builds the backend named by cfg and binds one channel per output.
// cfg must already have been through config.DefaultAndValidate.
func Open(cfg config.Config) (*Shield, error) {
	s := &Shield{}

	opts := platform.Options{
		Backend:     cfg.Platform.Backend,
		FrequencyHz: cfg.Platform.PWMFrequencyHz,
		GPIOChip:    cfg.Platform.GPIOChip,
		PWM:         make(map[motor.Pin]platform.PWMChannel, len(cfg.Platform.PWM)),
	}
	for pin, ch := range cfg.Platform.PWM {
		opts.PWM[motor.Pin(pin)] = platform.PWMChannel{Chip: ch.Chip, Channel: ch.Channel}
	}

	if cfg.Platform.Sense.I2CBus != "" {
		bus, err := openI2CFn(cfg.Platform.Sense.I2CBus)
		if err != nil {
			return nil, fmt.Errorf("shield: sense bus: %w", err)
		}
		s.closers = append(s.closers, bus)
		adc, err := ads1115.New(bus, cfg.Platform.Sense.Address)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("shield: %w", err)
		}
		opts.Analog = adc
	}

	backend, err := openPlatformFn(opts)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("shield: %w", err)
	}
	return s.bind(backend, cfg)
}

// New binds channels to an already opened backend.
func New(backend platform.Backend, cfg config.Config) (*Shield, error) {
	return (&Shield{}).bind(backend, cfg)
}

func (s *Shield) bind(backend platform.Backend, cfg config.Config) (*Shield, error) {
	s.backend = backend
	th := Thresholds(cfg.Motor)
	for i, o := range cfg.Outputs {
		hb := motor.NewHalfBridge(motor.Pin(o.DrivePin), motor.Pin(o.InhibitPin), motor.Pin(o.SensePin))
		if err := hb.Validate(); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("shield: output %d: %w", i+1, err)
		}
		s.bridges = append(s.bridges, hb)
		s.channels = append(s.channels, motor.New(hb, backend, motor.WithThresholds(th)))
	}
	return s, nil
}

// Channel returns the channel for output id (1-based).
func (s *Shield) Channel(id int) (*motor.UniDirectional, bool) {
	if s == nil || id < 1 || id > len(s.channels) {
		return nil, false
	}
	return s.channels[id-1], true
}

func (s *Shield) Channels() []*motor.UniDirectional {
	if s == nil {
		return nil
	}
	return s.channels
}

// HalfBridge returns the descriptor for output id, so further channels can be
// bound to it.
func (s *Shield) HalfBridge(id int) (*motor.HalfBridge, bool) {
	if s == nil || id < 1 || id > len(s.bridges) {
		return nil, false
	}
	return s.bridges[id-1], true
}

func (s *Shield) Platform() motor.Platform {
	if s == nil {
		return nil
	}
	return s.backend
}

// Close ends every channel, so all outputs are off and released, then closes
// the backend and the sense bus.
func (s *Shield) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for i, ch := range s.channels {
		if err := ch.End(); err != nil {
			errs = append(errs, fmt.Errorf("shield: end output %d: %w", i+1, err))
		}
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shield: close platform: %w", err))
		}
		s.backend = nil
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

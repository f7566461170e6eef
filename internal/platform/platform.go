// Package platform provides the pin backends a motor channel runs on.
//
// Three backends exist: an in-memory simulator, go-rpio (memory-mapped BCM
// GPIO and hardware PWM) and gpiod (GPIO character device lines plus sysfs
// PWM channels). The hardware backends are only available on Linux.
package platform

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"mcsmotor/internal/motor"
)

const (
	BackendSim   = "sim"
	BackendRPIO  = "rpio"
	BackendGPIOD = "gpiod"
)

// ErrNoAnalog is returned by ReadAnalog when no ADC is attached.
var ErrNoAnalog = errors.New("platform: no analog reader configured")

// AnalogReader samples one ADC input. ch is the sense pin number.
type AnalogReader interface {
	ReadChannel(ch int) (uint16, error)
}

// PWMChannel names a sysfs PWM output, e.g. pwmchip0 channel 1.
type PWMChannel struct {
	Chip    string
	Channel int
}

type Options struct {
	Backend string
	// FrequencyHz is the duty-cycle output frequency.
	FrequencyHz int
	// GPIOChip restricts the gpiod backend to one chip; empty scans /dev.
	GPIOChip string
	// PWM maps drive pins to sysfs PWM channels for the gpiod backend.
	PWM map[motor.Pin]PWMChannel
	// Analog serves ReadAnalog. Nil means the sense pins cannot be read.
	Analog AnalogReader
}

// Backend is a motor.Platform that holds hardware resources.
type Backend interface {
	motor.Platform
	io.Closer
}

var (
	openRPIOFn  = openRPIO
	openGPIODFn = openGPIOD
)

func Open(opts Options) (Backend, error) {
	if opts.FrequencyHz <= 0 {
		opts.FrequencyHz = 490
	}
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendSim:
		s := NewSim()
		if opts.Analog != nil {
			return &analogOverlay{Backend: s, analog: opts.Analog}, nil
		}
		return s, nil
	case BackendRPIO:
		return openRPIOFn(opts)
	case BackendGPIOD:
		return openGPIODFn(opts)
	default:
		return nil, fmt.Errorf("platform: unknown backend %q", opts.Backend)
	}
}

func readAnalog(a AnalogReader, pin motor.Pin) (uint32, error) {
	if a == nil {
		return 0, ErrNoAnalog
	}
	v, err := a.ReadChannel(int(pin))
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// analogOverlay serves ReadAnalog from a real ADC on top of another backend.
type analogOverlay struct {
	Backend
	analog AnalogReader
}

func (a *analogOverlay) ReadAnalog(pin motor.Pin) (uint32, error) {
	return readAnalog(a.analog, pin)
}

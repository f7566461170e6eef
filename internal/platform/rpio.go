package platform

import (
	"fmt"
	"sync"

	"mcsmotor/internal/motor"
)

// dutyRange is the PWM cycle length used for 8-bit intensities.
const dutyRange = 255

// rpioHardware is the slice of go-rpio the backend uses, so the mode
// bookkeeping can be tested without /dev/gpiomem.
type rpioHardware interface {
	Output(pin int)
	Input(pin int)
	Write(pin int, high bool)
	PWM(pin int, freq int)
	DutyCycle(pin int, duty, cycle uint32)
	Close() error
}

// pwmCapable lists BCM pins with a hardware PWM function.
var pwmCapable = map[motor.Pin]bool{
	12: true,
	13: true,
	18: true,
	19: true,
}

type rpioBackend struct {
	hw     rpioHardware
	freq   int
	analog AnalogReader

	mu  sync.Mutex
	pwm map[motor.Pin]bool
}

func newRPIOBackend(hw rpioHardware, opts Options) *rpioBackend {
	return &rpioBackend{
		hw:     hw,
		freq:   opts.FrequencyHz,
		analog: opts.Analog,
		pwm:    make(map[motor.Pin]bool),
	}
}

func (b *rpioBackend) ConfigurePin(pin motor.Pin, dir motor.Direction) error {
	if pin < 0 {
		return fmt.Errorf("platform: invalid pin %d", pin)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pwm, pin)
	if dir == motor.Output {
		b.hw.Output(int(pin))
	} else {
		b.hw.Input(int(pin))
	}
	return nil
}

func (b *rpioBackend) WritePin(pin motor.Pin, level motor.Level) error {
	if pin < 0 {
		return fmt.Errorf("platform: invalid pin %d", pin)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pwm[pin] {
		b.hw.Output(int(pin))
		delete(b.pwm, pin)
	}
	b.hw.Write(int(pin), bool(level))
	return nil
}

func (b *rpioBackend) OutputDutyCycle(pin motor.Pin, intensity uint8) error {
	if !pwmCapable[pin] {
		return fmt.Errorf("platform: pin %d has no hardware pwm", pin)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.pwm[pin] {
		// go-rpio takes the clock source frequency; the output runs at
		// freq/cycle.
		b.hw.PWM(int(pin), b.freq*dutyRange)
		b.pwm[pin] = true
	}
	b.hw.DutyCycle(int(pin), uint32(intensity), dutyRange)
	return nil
}

func (b *rpioBackend) ReadAnalog(pin motor.Pin) (uint32, error) {
	return readAnalog(b.analog, pin)
}

func (b *rpioBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for pin := range b.pwm {
		b.hw.DutyCycle(int(pin), 0, dutyRange)
		b.hw.Output(int(pin))
		b.hw.Write(int(pin), false)
	}
	b.pwm = make(map[motor.Pin]bool)
	return b.hw.Close()
}

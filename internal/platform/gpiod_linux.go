//go:build linux

package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"mcsmotor/internal/motor"
)

const gpiodConsumer = "mcsmotor"

// digitalLine is a requested GPIO line.
type digitalLine interface {
	SetValue(v int) error
	Close() error
}

type lineRequester func(pin motor.Pin, dir motor.Direction) (digitalLine, error)

// gpiodBackend drives plain pins through the GPIO character device and drive
// pins that have a PWM mapping through sysfs. A mapped pin is muxed to its PWM
// function, so digital levels on it are written as 0% and 100% duty.
type gpiodBackend struct {
	freq    int
	analog  AnalogReader
	pwmMap  map[motor.Pin]PWMChannel
	request lineRequester
	closeFn func() error

	mu    sync.Mutex
	lines map[motor.Pin]digitalLine
	pwms  map[motor.Pin]*sysfsPWM
}

var openSysfsPWMFn = openSysfsPWM

func newGPIODBackend(req lineRequester, opts Options) *gpiodBackend {
	m := make(map[motor.Pin]PWMChannel, len(opts.PWM))
	for k, v := range opts.PWM {
		m[k] = v
	}
	return &gpiodBackend{
		freq:    opts.FrequencyHz,
		analog:  opts.Analog,
		pwmMap:  m,
		request: req,
		lines:   make(map[motor.Pin]digitalLine),
		pwms:    make(map[motor.Pin]*sysfsPWM),
	}
}

func openGPIOD(opts Options) (Backend, error) {
	chips, err := gpioChipCandidates(opts.GPIOChip)
	if err != nil {
		return nil, err
	}
	cr := &chipRegistry{paths: chips, open: make(map[string]*gpiocdev.Chip)}
	b := newGPIODBackend(cr.request, opts)
	b.closeFn = cr.close
	return b, nil
}

func (b *gpiodBackend) pwmFor(pin motor.Pin) (*sysfsPWM, error) {
	if p := b.pwms[pin]; p != nil {
		return p, nil
	}
	ch, ok := b.pwmMap[pin]
	if !ok {
		return nil, nil
	}
	p, err := openSysfsPWMFn(ch)
	if err != nil {
		return nil, err
	}
	if err := p.SetFrequencyHz(b.freq); err != nil {
		_ = p.Close()
		return nil, err
	}
	b.pwms[pin] = p
	return p, nil
}

func (b *gpiodBackend) ConfigurePin(pin motor.Pin, dir motor.Direction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, mapped := b.pwmMap[pin]; mapped {
		if dir != motor.Output {
			return fmt.Errorf("platform: pin %d is a pwm output and cannot be an input", pin)
		}
		_, err := b.pwmFor(pin)
		return err
	}

	if old := b.lines[pin]; old != nil {
		_ = old.Close()
		delete(b.lines, pin)
	}
	l, err := b.request(pin, dir)
	if err != nil {
		return err
	}
	b.lines[pin] = l
	return nil
}

func (b *gpiodBackend) WritePin(pin motor.Pin, level motor.Level) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.pwmFor(pin)
	if err != nil {
		return err
	}
	if p != nil {
		if level == motor.High {
			return p.SetIntensity(dutyRange)
		}
		return p.SetIntensity(0)
	}

	l := b.lines[pin]
	if l == nil {
		return fmt.Errorf("platform: pin %d not configured", pin)
	}
	v := 0
	if level == motor.High {
		v = 1
	}
	return l.SetValue(v)
}

func (b *gpiodBackend) OutputDutyCycle(pin motor.Pin, intensity uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.pwmFor(pin)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("platform: pin %d has no pwm mapping", pin)
	}
	return p.SetIntensity(intensity)
}

func (b *gpiodBackend) ReadAnalog(pin motor.Pin) (uint32, error) {
	return readAnalog(b.analog, pin)
}

// Close turns every output off and releases lines and channels.
func (b *gpiodBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for pin, p := range b.pwms {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pwm pin %d: %w", pin, err))
		}
	}
	b.pwms = make(map[motor.Pin]*sysfsPWM)
	for pin, l := range b.lines {
		_ = l.SetValue(0)
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", pin, err))
		}
	}
	b.lines = make(map[motor.Pin]digitalLine)
	if b.closeFn != nil {
		if err := b.closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// chipRegistry finds "GPIO<n>" lines across the candidate chips and keeps the
// chips it opened.
type chipRegistry struct {
	paths []string
	open  map[string]*gpiocdev.Chip
}

func gpioChipCandidates(chip string) ([]string, error) {
	if chip = strings.TrimSpace(chip); chip != "" {
		if !strings.HasPrefix(chip, "/") {
			chip = filepath.Join("/dev", chip)
		}
		return []string{chip}, nil
	}
	// Pi 5 kernels may expose the header on gpiochip4 instead of gpiochip0.
	out := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil, fmt.Errorf("platform: read /dev: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "gpiochip") {
			continue
		}
		p := filepath.Join("/dev", name)
		if !contains(out, p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func (r *chipRegistry) request(pin motor.Pin, dir motor.Direction) (digitalLine, error) {
	name := fmt.Sprintf("GPIO%d", pin)
	opt := gpiocdev.LineReqOption(gpiocdev.AsInput)
	if dir == motor.Output {
		opt = gpiocdev.AsOutput(0)
	}
	for _, path := range r.paths {
		chip := r.open[path]
		if chip == nil {
			c, err := gpiocdev.NewChip(path, gpiocdev.WithConsumer(gpiodConsumer))
			if err != nil {
				continue
			}
			chip = c
			r.open[path] = c
		}
		offset, err := chip.FindLine(name)
		if err != nil {
			continue
		}
		line, err := chip.RequestLine(offset, opt)
		if err != nil {
			return nil, fmt.Errorf("platform: request %s on %s: %w", name, path, err)
		}
		return line, nil
	}
	return nil, fmt.Errorf("platform: gpio line %q not found", name)
}

func (r *chipRegistry) close() error {
	var errs []error
	for path, c := range r.open {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	r.open = make(map[string]*gpiocdev.Chip)
	return errors.Join(errs...)
}

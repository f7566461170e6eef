package motor

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutputInUse is returned by Begin when another channel already owns the
// half-bridge.
var ErrOutputInUse = errors.New("motor: half-bridge already in use")

// Thresholds classify a requested speed into off, modulated and full-on.
type Thresholds struct {
	// Min is the lowest speed that still runs the motor. Anything below stops it.
	Min uint8
	// Max is the highest modulated speed. Anything above drives the pin
	// continuously high.
	Max uint8
	// Initial is the speed set by Begin.
	Initial uint8
}

func DefaultThresholds() Thresholds {
	return Thresholds{Min: 8, Max: 247, Initial: 0}
}

// Mode is what the drive pin is currently doing.
type Mode uint8

const (
	ModeOff Mode = iota
	ModeModulated
	ModeFullOn
)

func (m Mode) String() string {
	switch m {
	case ModeModulated:
		return "pwm"
	case ModeFullOn:
		return "full"
	default:
		return "off"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "off":
		*m = ModeOff
	case "pwm":
		*m = ModeModulated
	case "full":
		*m = ModeFullOn
	default:
		return fmt.Errorf("motor: unknown mode %q", b)
	}
	return nil
}

// State is a point-in-time copy of a channel's logical state.
type State struct {
	Enabled bool  `json:"enabled"`
	Running bool  `json:"running"`
	Speed   uint8 `json:"speed"`
	Mode    Mode  `json:"mode"`
}

type Option func(*UniDirectional)

func WithThresholds(t Thresholds) Option {
	return func(u *UniDirectional) { u.th = t }
}

// UniDirectional runs a single one-direction DC motor from one half-bridge.
//
// Every mutating call re-synchronises the pins immediately, so the outputs
// always reflect the logical state. While the channel is disabled it never
// touches the pins.
type UniDirectional struct {
	out *HalfBridge
	p   Platform
	th  Thresholds

	mu      sync.Mutex
	enabled bool
	running bool
	speed   uint8
	mode    Mode
}

func New(out *HalfBridge, p Platform, opts ...Option) *UniDirectional {
	u := &UniDirectional{out: out, p: p, th: DefaultThresholds()}
	for _, o := range opts {
		o(u)
	}
	return u
}

func (u *UniDirectional) HalfBridge() *HalfBridge { return u.out }

func (u *UniDirectional) Thresholds() Thresholds { return u.th }

// Begin claims the half-bridge, configures its pins and leaves the motor
// stopped at the initial speed. It returns ErrOutputInUse, without changing
// anything, if the half-bridge is owned by another channel.
func (u *UniDirectional) Begin() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.enabled {
		return ErrOutputInUse
	}
	if !u.out.Claim() {
		return ErrOutputInUse
	}
	u.enabled = true

	steps := []struct {
		pin Pin
		dir Direction
	}{
		{u.out.Drive, Output},
		{u.out.Inhibit, Output},
		{u.out.Sense, Input},
	}
	for _, s := range steps {
		if err := u.p.ConfigurePin(s.pin, s.dir); err != nil {
			u.abortBegin()
			return fmt.Errorf("motor: configure pin %d as %s: %w", s.pin, s.dir, err)
		}
	}

	u.speed = u.th.Initial
	err := u.update()
	if err == nil {
		u.running = false
		err = u.update()
	}
	if err != nil {
		u.abortBegin()
		return fmt.Errorf("motor: begin: %w", err)
	}
	return nil
}

// abortBegin undoes a partial Begin so the half-bridge is free again. Caller
// holds u.mu.
func (u *UniDirectional) abortBegin() {
	u.running = false
	u.enabled = false
	u.mode = ModeOff
	u.out.Release()
}

// End stops the motor and releases the half-bridge. Calling it on a channel
// that is not enabled does nothing.
func (u *UniDirectional) End() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.enabled {
		return nil
	}
	u.running = false
	err := u.update()
	u.out.Release()
	u.enabled = false
	u.mode = ModeOff
	return err
}

// Close ends the channel so the half-bridge is never left claimed.
func (u *UniDirectional) Close() error {
	return u.End()
}

func (u *UniDirectional) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.running = true
	return u.update()
}

// StartAt sets the speed and then starts the motor.
func (u *UniDirectional) StartAt(speed uint8) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.speed = speed
	if err := u.update(); err != nil {
		return err
	}
	u.running = true
	return u.update()
}

// Stop holds both control lines low. This is the off state; no braking is
// applied.
func (u *UniDirectional) Stop() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.running = false
	return u.update()
}

func (u *UniDirectional) SetSpeed(speed uint8) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.speed = speed
	return u.update()
}

func (u *UniDirectional) Enabled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.enabled
}

func (u *UniDirectional) Running() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running
}

func (u *UniDirectional) Speed() uint8 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.speed
}

func (u *UniDirectional) Mode() Mode {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mode
}

func (u *UniDirectional) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return State{Enabled: u.enabled, Running: u.running, Speed: u.speed, Mode: u.mode}
}

// CurrentSense returns the raw analog sample of the sense pin. It does not
// depend on the channel being enabled or running.
func (u *UniDirectional) CurrentSense() (uint32, error) {
	v, err := u.p.ReadAnalog(u.out.Sense)
	if err != nil {
		return 0, fmt.Errorf("motor: read sense pin %d: %w", u.out.Sense, err)
	}
	return v, nil
}

// update drives the pins to match enabled/running/speed. Caller holds u.mu.
func (u *UniDirectional) update() error {
	if !u.enabled {
		// Pins are untouched, but running never outlives enabled.
		u.running = false
		u.mode = ModeOff
		return nil
	}
	if u.speed < u.th.Min {
		u.running = false
	}

	if !u.running {
		u.mode = ModeOff
		if err := u.p.WritePin(u.out.Inhibit, Low); err != nil {
			return fmt.Errorf("motor: inhibit low: %w", err)
		}
		if err := u.p.ConfigurePin(u.out.Drive, Output); err != nil {
			return fmt.Errorf("motor: configure drive pin: %w", err)
		}
		if err := u.p.WritePin(u.out.Drive, Low); err != nil {
			return fmt.Errorf("motor: drive low: %w", err)
		}
		return nil
	}

	if u.speed > u.th.Max {
		// Saturated: hold the pin high, no modulation.
		u.mode = ModeFullOn
		if err := u.p.ConfigurePin(u.out.Drive, Output); err != nil {
			return fmt.Errorf("motor: configure drive pin: %w", err)
		}
		if err := u.p.WritePin(u.out.Drive, High); err != nil {
			return fmt.Errorf("motor: drive high: %w", err)
		}
	} else {
		u.mode = ModeModulated
		if err := u.p.OutputDutyCycle(u.out.Drive, u.speed); err != nil {
			return fmt.Errorf("motor: duty cycle %d: %w", u.speed, err)
		}
	}

	if err := u.p.WritePin(u.out.Inhibit, High); err != nil {
		return fmt.Errorf("motor: inhibit high: %w", err)
	}
	return nil
}

package platform

import (
	"fmt"
	"sync"

	"mcsmotor/internal/motor"
)

// MaxCalls bounds the call log kept by Sim. Older entries are dropped first.
const MaxCalls = 4096

// Call is one primitive invocation recorded by Sim.
type Call struct {
	Op        string // configure, write, duty, analog
	Pin       motor.Pin
	Direction motor.Direction
	Level     motor.Level
	Intensity uint8
}

func (c Call) String() string {
	switch c.Op {
	case "configure":
		return fmt.Sprintf("configure(%d,%s)", c.Pin, c.Direction)
	case "write":
		return fmt.Sprintf("write(%d,%s)", c.Pin, c.Level)
	case "duty":
		return fmt.Sprintf("duty(%d,%d)", c.Pin, c.Intensity)
	default:
		return fmt.Sprintf("%s(%d)", c.Op, c.Pin)
	}
}

// Sim is an in-memory platform. It keeps the last state of every pin and an
// ordered log of the most recent MaxCalls calls, and returns settable analog
// samples.
//
// Safe for concurrent use.
type Sim struct {
	mu     sync.Mutex
	dirs   map[motor.Pin]motor.Direction
	levels map[motor.Pin]motor.Level
	duty   map[motor.Pin]uint8
	analog map[motor.Pin]uint32
	calls  []Call

	// FailOn, when set, makes the matching operation return an error.
	FailOn func(c Call) error
}

func NewSim() *Sim {
	return &Sim{
		dirs:   make(map[motor.Pin]motor.Direction),
		levels: make(map[motor.Pin]motor.Level),
		duty:   make(map[motor.Pin]uint8),
		analog: make(map[motor.Pin]uint32),
	}
}

func (s *Sim) record(c Call) error {
	if len(s.calls) >= MaxCalls {
		n := copy(s.calls, s.calls[len(s.calls)-MaxCalls+1:])
		s.calls = s.calls[:n]
	}
	s.calls = append(s.calls, c)
	if s.FailOn != nil {
		return s.FailOn(c)
	}
	return nil
}

func (s *Sim) ConfigurePin(pin motor.Pin, dir motor.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "configure", Pin: pin, Direction: dir}); err != nil {
		return err
	}
	s.dirs[pin] = dir
	// Reconfiguring as a plain pin stops any modulation on it.
	delete(s.duty, pin)
	return nil
}

func (s *Sim) WritePin(pin motor.Pin, level motor.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "write", Pin: pin, Level: level}); err != nil {
		return err
	}
	s.levels[pin] = level
	delete(s.duty, pin)
	return nil
}

func (s *Sim) OutputDutyCycle(pin motor.Pin, intensity uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "duty", Pin: pin, Intensity: intensity}); err != nil {
		return err
	}
	s.duty[pin] = intensity
	return nil
}

func (s *Sim) ReadAnalog(pin motor.Pin) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "analog", Pin: pin}); err != nil {
		return 0, err
	}
	return s.analog[pin], nil
}

// SetAnalog sets the sample ReadAnalog returns for pin.
func (s *Sim) SetAnalog(pin motor.Pin, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analog[pin] = v
}

func (s *Sim) Direction(pin motor.Pin) (motor.Direction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dirs[pin]
	return d, ok
}

func (s *Sim) Level(pin motor.Pin) motor.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[pin]
}

// Duty reports the intensity pin is being modulated at, if any.
func (s *Sim) Duty(pin motor.Pin) (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.duty[pin]
	return d, ok
}

func (s *Sim) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Sim) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Sim) Close() error { return nil }

package motor

import (
	"fmt"
	"sync/atomic"
)

// Pin identifies a physical pin. Its meaning is up to the Platform backend.
type Pin int

type Direction uint8

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "high"
	}
	return "low"
}

// Platform is the set of pin primitives a channel drives its half-bridge with.
//
// Implementations must be safe to call from the goroutine that owns the
// channel; channels never call into the platform concurrently for the same pin.
type Platform interface {
	ConfigurePin(pin Pin, dir Direction) error
	WritePin(pin Pin, level Level) error
	ReadAnalog(pin Pin) (uint32, error)
	// OutputDutyCycle drives a modulated signal on pin; intensity 255 is 100%.
	OutputDutyCycle(pin Pin, intensity uint8) error
}

// HalfBridge describes the three pins of one half-bridge output and whether a
// channel currently owns it.
//
// A HalfBridge is shared between every channel constructed for it; at most one
// of them can hold the claim at a time.
type HalfBridge struct {
	Drive   Pin
	Inhibit Pin
	Sense   Pin

	inUse atomic.Bool
}

func NewHalfBridge(drive, inhibit, sense Pin) *HalfBridge {
	return &HalfBridge{Drive: drive, Inhibit: inhibit, Sense: sense}
}

// Claim marks the output as owned. It reports false if someone else already
// holds it.
func (h *HalfBridge) Claim() bool {
	return h.inUse.CompareAndSwap(false, true)
}

func (h *HalfBridge) Release() {
	h.inUse.Store(false)
}

func (h *HalfBridge) InUse() bool {
	return h.inUse.Load()
}

func (h *HalfBridge) Validate() error {
	if h == nil {
		return fmt.Errorf("motor: half-bridge is nil")
	}
	// Sense is an analog input and may share a number with a digital pin.
	if h.Drive == h.Inhibit {
		return fmt.Errorf("motor: drive and inhibit pins must differ (both %d)", h.Drive)
	}
	if h.Drive < 0 || h.Inhibit < 0 || h.Sense < 0 {
		return fmt.Errorf("motor: negative pin (drive=%d inhibit=%d sense=%d)", h.Drive, h.Inhibit, h.Sense)
	}
	return nil
}

// Pins returns drive, inhibit and sense in that order.
func (h *HalfBridge) Pins() [3]Pin {
	return [3]Pin{h.Drive, h.Inhibit, h.Sense}
}

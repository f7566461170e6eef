package ads1115

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/drivers"
)

var sleep = time.Sleep

// Minimal ADS1115 driver.
//
// Single-shot, single-ended reads of AIN0..AIN3 against GND. Results are raw
// counts; negative readings (noise around 0 V) are clamped to 0.

const (
	addrDefault = 0x48

	regConversion = 0x00
	regConfig     = 0x01

	cfgOS         = 1 << 15 // write: start conversion, read: 1 when idle
	cfgMuxSingle0 = 0x4     // AIN0 vs GND; AINx is 0x4+x
	cfgPGA4096    = 0x1     // +/-4.096 V
	cfgModeSingle = 1 << 8
	cfgDR860      = 0x7 // 860 samples/s
	cfgCompOff    = 0x3

	pollAttempts = 10
	pollInterval = 500 * time.Microsecond
)

var ErrTimeout = errors.New("ads1115: conversion timeout")

func DefaultAddress() uint16 { return addrDefault }

type Device struct {
	bus  drivers.I2C
	addr uint16

	mu sync.Mutex
}

func New(bus drivers.I2C, addr uint16) (*Device, error) {
	if bus == nil {
		return nil, fmt.Errorf("ads1115: bus is nil")
	}
	if addr == 0 {
		addr = addrDefault
	}
	if addr < 0x48 || addr > 0x4B {
		return nil, fmt.Errorf("ads1115: addr=0x%02X want 0x48..0x4B", addr)
	}
	return &Device{bus: bus, addr: addr}, nil
}

func configWord(ch int) uint16 {
	return cfgOS |
		uint16(cfgMuxSingle0+ch)<<12 |
		cfgPGA4096<<9 |
		cfgModeSingle |
		cfgDR860<<5 |
		cfgCompOff
}

// ReadChannel runs one conversion on AIN ch and returns the raw count.
func (d *Device) ReadChannel(ch int) (uint16, error) {
	if ch < 0 || ch > 3 {
		return 0, fmt.Errorf("ads1115: channel %d out of range 0..3", ch)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var w [3]byte
	w[0] = regConfig
	binary.BigEndian.PutUint16(w[1:], configWord(ch))
	if err := d.bus.Tx(d.addr, w[:], nil); err != nil {
		return 0, fmt.Errorf("ads1115: config write failed: %w", err)
	}

	var r [2]byte
	ready := false
	for i := 0; i < pollAttempts; i++ {
		sleep(pollInterval)
		if err := d.bus.Tx(d.addr, []byte{regConfig}, r[:]); err != nil {
			return 0, fmt.Errorf("ads1115: config read failed: %w", err)
		}
		if binary.BigEndian.Uint16(r[:])&cfgOS != 0 {
			ready = true
			break
		}
	}
	if !ready {
		return 0, ErrTimeout
	}

	if err := d.bus.Tx(d.addr, []byte{regConversion}, r[:]); err != nil {
		return 0, fmt.Errorf("ads1115: conversion read failed: %w", err)
	}
	v := int16(binary.BigEndian.Uint16(r[:]))
	if v < 0 {
		return 0, nil
	}
	return uint16(v), nil
}

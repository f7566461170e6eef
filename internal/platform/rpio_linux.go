//go:build linux

package platform

import (
	"fmt"

	"github.com/stianeikeland/go-rpio/v4"
)

var rpioOpen = rpio.Open

type rpioHW struct{}

func (rpioHW) Output(pin int) { rpio.Pin(pin).Output() }
func (rpioHW) Input(pin int)  { rpio.Pin(pin).Input() }

func (rpioHW) Write(pin int, high bool) {
	if high {
		rpio.Pin(pin).High()
		return
	}
	rpio.Pin(pin).Low()
}

func (rpioHW) PWM(pin int, freq int) {
	p := rpio.Pin(pin)
	p.Mode(rpio.Pwm)
	p.Freq(freq)
}

func (rpioHW) DutyCycle(pin int, duty, cycle uint32) {
	rpio.Pin(pin).DutyCycle(duty, cycle)
}

func (rpioHW) Close() error { return rpio.Close() }

func openRPIO(opts Options) (Backend, error) {
	if err := rpioOpen(); err != nil {
		return nil, fmt.Errorf("platform: rpio open: %w", err)
	}
	return newRPIOBackend(rpioHW{}, opts), nil
}

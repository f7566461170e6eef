//go:build !linux

package platform

import "fmt"

// Stub implementations for non-Linux platforms.
func openRPIO(opts Options) (Backend, error) {
	return nil, fmt.Errorf("platform: rpio unsupported on this platform")
}

func openGPIOD(opts Options) (Backend, error) {
	return nil, fmt.Errorf("platform: gpiod unsupported on this platform")
}

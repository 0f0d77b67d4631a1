package hal

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var (
	hostOnce    sync.Once
	hostInitErr error
)

func initHost() error {
	hostOnce.Do(func() {
		if _, err := host.Init(); err != nil {
			hostInitErr = fmt.Errorf("periph host init: %w", err)
		}
	})
	return hostInitErr
}

// GPIOOut drives a pneumatic valve or other on/off load from a host GPIO pin.
type GPIOOut struct {
	pin      gpio.PinOut
	inverted bool
}

// OpenGPIOOut looks up a pin by name (e.g. "GPIO17") and drives it low.
func OpenGPIOOut(name string, inverted bool) (*GPIOOut, error) {
	if err := initHost(); err != nil {
		return nil, err
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio pin %q not found", name)
	}
	o := NewGPIOOut(p, inverted)
	if err := o.Set(false); err != nil {
		return nil, err
	}
	return o, nil
}

// NewGPIOOut wraps an already resolved pin.
func NewGPIOOut(pin gpio.PinOut, inverted bool) *GPIOOut {
	return &GPIOOut{pin: pin, inverted: inverted}
}

func (o *GPIOOut) Set(on bool) error {
	level := gpio.Level(on != o.inverted)
	if err := o.pin.Out(level); err != nil {
		return fmt.Errorf("gpio %s: %w", o.pin, err)
	}
	return nil
}

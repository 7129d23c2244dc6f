package actuator

import (
	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

// OpenRpio maps the GPIO memory range. Must be called once before creating
// any RpioPin; requires /dev/gpiomem access or root.
func OpenRpio() error {
	if err := rpio.Open(); err != nil {
		return errors.Wrap(err, "failed to open GPIO (are you running on a Raspberry Pi?)")
	}
	return nil
}

func CloseRpio() error {
	return rpio.Close()
}

// RpioPin drives a Raspberry Pi GPIO pin (BCM numbering).
type RpioPin struct {
	pin rpio.Pin
}

func NewRpioPin(bcm int) *RpioPin {
	p := rpio.Pin(bcm)
	p.Output()
	return &RpioPin{pin: p}
}

func (r *RpioPin) High() error {
	r.pin.High()
	return nil
}

func (r *RpioPin) Low() error {
	r.pin.Low()
	return nil
}

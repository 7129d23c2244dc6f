package actuator

import (
	"github.com/racerxdl/go-mcp23017"
)

// Mcp23017Pin drives one pin of an MCP23017 I2C port expander.
type Mcp23017Pin struct {
	device *mcp23017.Device
	pin    uint8
}

func NewMcp23017Pin(device *mcp23017.Device, pin uint8) (*Mcp23017Pin, error) {
	p := &Mcp23017Pin{device: device, pin: pin}
	err := p.device.PinMode(pin, mcp23017.OUTPUT)
	return p, err
}

func (m *Mcp23017Pin) High() error {
	return m.device.DigitalWrite(m.pin, mcp23017.HIGH)
}

func (m *Mcp23017Pin) Low() error {
	return m.device.DigitalWrite(m.pin, mcp23017.LOW)
}

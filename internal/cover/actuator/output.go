package actuator

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Output is a single named relay output.
type Output interface {
	Name() string
	TurnOn() error
	TurnOff() error
	IsOn() bool
}

// Interlock serializes pin writes across outputs sharing a motor, so a
// direction change can never energize both windings at once.
type Interlock struct {
	mu sync.Mutex
}

func NewInterlock() *Interlock {
	return &Interlock{}
}

// SetPin is a raw output pin.
type SetPin interface {
	High() error
	Low() error
}

// PinOutput drives a relay through a raw pin. Relay boards are commonly
// active-low; NormalClosed inverts the polarity.
type PinOutput struct {
	name         string
	pin          SetPin
	normalClosed bool
	interlock    *Interlock

	mu sync.Mutex
	on bool
}

func NewPinOutput(name string, pin SetPin, normalClosed bool, interlock *Interlock) *PinOutput {
	return &PinOutput{name: name, pin: pin, normalClosed: normalClosed, interlock: interlock}
}

func (o *PinOutput) Name() string {
	return o.name
}

func (o *PinOutput) TurnOn() error {
	if o.interlock != nil {
		o.interlock.mu.Lock()
		defer o.interlock.mu.Unlock()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var err error
	if o.normalClosed {
		err = o.pin.High()
	} else {
		err = o.pin.Low()
	}
	if err == nil {
		o.on = true
	}
	return err
}

func (o *PinOutput) TurnOff() error {
	if o.interlock != nil {
		o.interlock.mu.Lock()
		defer o.interlock.mu.Unlock()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var err error
	if o.normalClosed {
		err = o.pin.Low()
	} else {
		err = o.pin.High()
	}
	if err == nil {
		o.on = false
	}
	return err
}

func (o *PinOutput) IsOn() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.on
}

// Fake is an in-memory output recording every edge, used by tests and the
// dry-run driver kind.
type Fake struct {
	name string

	mu     sync.Mutex
	on     bool
	edges  []string
	logged bool
}

func NewFake(name string) *Fake {
	return &Fake{name: name}
}

// NewLoggedFake logs every edge, for dry runs against real configs.
func NewLoggedFake(name string) *Fake {
	return &Fake{name: name, logged: true}
}

func (f *Fake) Name() string {
	return f.name
}

func (f *Fake) TurnOn() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.on = true
	f.edges = append(f.edges, f.name+":on")
	if f.logged {
		logrus.Warnf("%s: dry-run output on", f.name)
	}
	return nil
}

func (f *Fake) TurnOff() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.on = false
	f.edges = append(f.edges, f.name+":off")
	if f.logged {
		logrus.Warnf("%s: dry-run output off", f.name)
	}
	return nil
}

func (f *Fake) IsOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

// Edges returns the recorded on/off history as "name:on" / "name:off".
func (f *Fake) Edges() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	edges := make([]string, len(f.edges))
	copy(edges, f.edges)
	return edges
}

package actuator

import "context"

// Device is the motion surface of a nested cover entity.
type Device interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Wrapped delegates actuation to an existing cover device instead of
// driving raw outputs. Used to layer position estimation on top of a cover
// that only knows open/close/stop.
type Wrapped struct {
	device Device
}

func NewWrapped(device Device) *Wrapped {
	return &Wrapped{device: device}
}

func (w *Wrapped) Open(ctx context.Context) error {
	return w.device.Open(ctx)
}

func (w *Wrapped) Close(ctx context.Context) error {
	return w.device.Close(ctx)
}

func (w *Wrapped) Stop(ctx context.Context) error {
	return w.device.Stop(ctx)
}

func (w *Wrapped) Interpret(string, bool) Motion {
	// no raw outputs of our own to observe
	return MotionNone
}

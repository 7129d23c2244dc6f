package actuator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Pulse drives momentary relays: the on edge starts the controller, the
// output is released again after pulseTime in the background. The off edge
// always fires, even when the movement context gets cancelled.
type Pulse struct {
	up   Output
	down Output
	stop Output // optional

	pulseTime time.Duration
	debounce  *debouncer
}

func NewPulse(up, down, stop Output, pulseTime time.Duration) *Pulse {
	return &Pulse{
		up:        up,
		down:      down,
		stop:      stop,
		pulseTime: pulseTime,
		debounce:  newDebouncer(pulseTime+debounceSlack, nil),
	}
}

func (p *Pulse) Open(ctx context.Context) error {
	if err := p.down.TurnOff(); err != nil {
		return err
	}
	if err := p.up.TurnOn(); err != nil {
		return err
	}
	releaseLater(ctx, p.up, p.pulseTime)
	return nil
}

func (p *Pulse) Close(ctx context.Context) error {
	if err := p.up.TurnOff(); err != nil {
		return err
	}
	if err := p.down.TurnOn(); err != nil {
		return err
	}
	releaseLater(ctx, p.down, p.pulseTime)
	return nil
}

func (p *Pulse) Stop(ctx context.Context) error {
	if err := p.up.TurnOff(); err != nil {
		return err
	}
	if err := p.down.TurnOff(); err != nil {
		return err
	}
	if p.stop == nil {
		// momentary controllers without a stop input keep running until
		// their own endpoint; releasing the lines is all we can do
		return nil
	}

	if err := p.stop.TurnOn(); err != nil {
		return err
	}
	releaseLater(ctx, p.stop, p.pulseTime)
	return nil
}

func (p *Pulse) Interpret(output string, on bool) Motion {
	if !on {
		// a released momentary output carries no meaning
		return MotionNone
	}
	if !p.debounce.pass() {
		return MotionNone
	}

	switch output {
	case p.up.Name():
		return MotionOpening
	case p.down.Name():
		return MotionClosing
	}
	if p.stop != nil && output == p.stop.Name() {
		return MotionStopped
	}
	return MotionNone
}

// releaseLater issues the trailing off edge of a pulse without blocking the
// caller. Context cancellation releases immediately instead of waiting out
// the pulse.
func releaseLater(ctx context.Context, output Output, pulseTime time.Duration) {
	go func() {
		timer := time.NewTimer(pulseTime)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			logrus.Debugf("%s: pulse cut short", output.Name())
		}

		if err := output.TurnOff(); err != nil {
			logrus.Errorf("%s: pulse release failed: %s", output.Name(), err)
		}
	}()
}

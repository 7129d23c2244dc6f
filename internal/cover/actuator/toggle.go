package actuator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Toggle drives an alternating latch: each pulse on the same line toggles
// the motor between running and halted, so stop re-pulses whichever
// direction line was used last. Stop without a prior direction is a no-op.
type Toggle struct {
	up   Output
	down Output

	pulseTime time.Duration

	mu       sync.Mutex
	last     Output
	debounce *debouncer
	observed Motion
}

func NewToggle(up, down Output, pulseTime time.Duration) *Toggle {
	return &Toggle{
		up:        up,
		down:      down,
		pulseTime: pulseTime,
		debounce:  newDebouncer(pulseTime+debounceSlack, nil),
	}
}

func (t *Toggle) Open(ctx context.Context) error {
	t.mu.Lock()
	t.last = t.up
	t.mu.Unlock()
	return t.pulse(ctx, t.up)
}

func (t *Toggle) Close(ctx context.Context) error {
	t.mu.Lock()
	t.last = t.down
	t.mu.Unlock()
	return t.pulse(ctx, t.down)
}

func (t *Toggle) Stop(ctx context.Context) error {
	t.mu.Lock()
	last := t.last
	t.last = nil
	t.mu.Unlock()

	if last == nil {
		logrus.Debugf("toggle: stop with no direction issued, nothing to pulse")
		return nil
	}
	return t.pulse(ctx, last)
}

func (t *Toggle) pulse(ctx context.Context, output Output) error {
	if err := output.TurnOn(); err != nil {
		return err
	}
	releaseLater(ctx, output, t.pulseTime)
	return nil
}

// Interpret tracks the alternating controller state: a debounced pulse on a
// direction line starts that motion, a second pulse on the same line halts
// it.
func (t *Toggle) Interpret(output string, on bool) Motion {
	if !on {
		return MotionNone
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.debounce.pass() {
		return MotionNone
	}

	var motion Motion
	switch output {
	case t.up.Name():
		motion = MotionOpening
	case t.down.Name():
		motion = MotionClosing
	default:
		return MotionNone
	}

	if t.observed == motion {
		t.observed = MotionStopped
		return MotionStopped
	}
	t.observed = motion
	return motion
}

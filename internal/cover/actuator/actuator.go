package actuator

import (
	"context"
	"time"
)

// Motion classifies an externally observed output change: a relay that
// switched without this process commanding it still tells us what the motor
// is doing.
type Motion int

const (
	MotionNone Motion = iota
	MotionOpening
	MotionClosing
	MotionStopped
)

func (m Motion) String() string {
	switch m {
	case MotionOpening:
		return "opening"
	case MotionClosing:
		return "closing"
	case MotionStopped:
		return "stopped"
	}
	return "none"
}

// Strategy issues the device commands behind abstract open/close/stop. Each
// call returns once the initiating edge has been issued; trailing edges
// (pulse release) run in the background so position tracking starts at
// motor-start, not after cleanup.
type Strategy interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Stop(ctx context.Context) error

	// Interpret maps an externally observed state change on one of the
	// controlled outputs to the motion it implies. Returns MotionNone for
	// changes that carry no meaning in this mode.
	Interpret(output string, on bool) Motion
}

// debounceSlack extends the debounce window past the pulse length so a
// single physical button click producing multiple raw transitions is
// counted once.
const debounceSlack = 500 * time.Millisecond

type debouncer struct {
	window time.Duration
	now    func() time.Time
	lastAt time.Time
}

func newDebouncer(window time.Duration, now func() time.Time) *debouncer {
	if now == nil {
		now = time.Now
	}
	return &debouncer{window: window, now: now}
}

// pass reports whether an edge is far enough from the previous accepted one
// and records it.
func (d *debouncer) pass() bool {
	now := d.now()
	if !d.lastAt.IsZero() && now.Sub(d.lastAt) < d.window {
		return false
	}
	d.lastAt = now
	return true
}

package travel

import (
	"math"
	"time"
)

// Position range for every axis. 0 is fully closed, 100 fully open.
const (
	MinPosition = 0
	MaxPosition = 100
)

type Direction int

const (
	DirectionStopped Direction = iota
	DirectionUp
	DirectionDown
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	}
	return "stopped"
}

// Calculator dead-reckons the position of a single motorized axis from
// elapsed motor-on time. It performs no I/O and keeps no timers; the
// current time is read through the injected now func on every query, so
// tests can drive it with a fake clock.
type Calculator struct {
	timeUp   time.Duration // full traverse 0 -> 100
	timeDown time.Duration // full traverse 100 -> 0

	now func() time.Time

	known     bool
	confirmed bool
	baseline  int
	target    int
	startedAt time.Time
	direction Direction
}

func NewCalculator(timeUp, timeDown time.Duration) *Calculator {
	return NewCalculatorWithClock(timeUp, timeDown, time.Now)
}

func NewCalculatorWithClock(timeUp, timeDown time.Duration, now func() time.Time) *Calculator {
	return &Calculator{
		timeUp:   timeUp,
		timeDown: timeDown,
		now:      now,
	}
}

// SetPosition seeds or overrides the axis position. The value is taken as
// ground truth: both baseline and target snap to it and the position is
// marked confirmed.
func (c *Calculator) SetPosition(position int) {
	position = ClampPosition(position)
	c.known = true
	c.confirmed = true
	c.baseline = position
	c.target = position
	c.direction = DirectionStopped
	c.startedAt = c.now()
}

// StartTravel freezes the current estimate as the new baseline and begins
// tracking movement towards target. A non-zero delay shifts the baseline
// timestamp into the future, so the estimate reports no progress while the
// motor is still spinning up. Without a known position there is nothing to
// interpolate from and the call degrades to SetPosition(target).
func (c *Calculator) StartTravel(target int, delay time.Duration) {
	target = ClampPosition(target)
	if !c.known {
		c.SetPosition(target)
		return
	}

	position := c.CurrentPosition()
	c.baseline = position
	c.target = target
	c.startedAt = c.now().Add(delay)

	switch {
	case target > position:
		c.confirmed = false
		c.direction = DirectionUp
	case target < position:
		c.confirmed = false
		c.direction = DirectionDown
	default:
		// zero-length move, nothing to track
		c.confirmed = true
		c.direction = DirectionStopped
	}
}

// Invalidate discards the estimate entirely, as if the axis position had
// never been seeded. Used when the axis moved for an unknown span of time.
func (c *Calculator) Invalidate() {
	c.known = false
	c.confirmed = false
	c.direction = DirectionStopped
}

// Stop freezes the current estimate as both baseline and target. The frozen
// value remains an estimate, so the position stays unconfirmed. No-op while
// the position is unknown.
func (c *Calculator) Stop() {
	if !c.known {
		return
	}

	position := c.CurrentPosition()
	c.baseline = position
	c.target = position
	c.confirmed = false
	c.direction = DirectionStopped
	c.startedAt = c.now()
}

// CurrentPosition interpolates the axis position from elapsed time since
// the travel baseline. Once the full computed duration has elapsed the
// value snaps to the target exactly.
func (c *Calculator) CurrentPosition() int {
	if !c.known {
		return MinPosition
	}
	if c.confirmed || c.direction == DirectionStopped {
		return c.baseline
	}

	now := c.now()
	if !now.After(c.startedAt) {
		// startup-delay window, motor not physically moving yet
		return c.baseline
	}

	distance := c.target - c.baseline
	total := c.scaledDuration(distance)
	if total <= 0 {
		return c.target
	}

	elapsed := now.Sub(c.startedAt)
	if elapsed >= total {
		return c.target
	}

	progress := float64(elapsed) / float64(total)
	return ClampPosition(c.baseline + int(math.Round(float64(distance)*progress)))
}

// DurationTo returns the time a move from the current estimate to target
// would take at the configured speeds.
func (c *Calculator) DurationTo(target int) time.Duration {
	return c.scaledDuration(ClampPosition(target) - c.CurrentPosition())
}

func (c *Calculator) scaledDuration(distance int) time.Duration {
	full := c.timeUp
	if distance < 0 {
		full = c.timeDown
		distance = -distance
	}
	return time.Duration(float64(full) * float64(distance) / float64(MaxPosition))
}

func (c *Calculator) PositionReached() bool {
	if !c.known {
		return true
	}
	return c.CurrentPosition() == c.target
}

func (c *Calculator) IsTraveling() bool {
	return !c.PositionReached()
}

func (c *Calculator) Direction() Direction {
	if c.PositionReached() {
		return DirectionStopped
	}
	return c.direction
}

func (c *Calculator) Target() int {
	return c.target
}

func (c *Calculator) PositionKnown() bool {
	return c.known
}

func (c *Calculator) PositionConfirmed() bool {
	return c.confirmed
}

// TimeUp and TimeDown expose the configured full-traverse durations so the
// coupling math can relate two axes.
func (c *Calculator) TimeUp() time.Duration   { return c.timeUp }
func (c *Calculator) TimeDown() time.Duration { return c.timeDown }

// SetTimes replaces the full-traverse durations, used when a calibration
// run derives a new value at runtime.
func (c *Calculator) SetTimes(timeUp, timeDown time.Duration) {
	c.timeUp = timeUp
	c.timeDown = timeDown
}

func ClampPosition(position int) int {
	if position < MinPosition {
		return MinPosition
	}
	if position > MaxPosition {
		return MaxPosition
	}
	return position
}

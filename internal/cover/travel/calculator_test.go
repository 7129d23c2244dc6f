package travel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) now() time.Time {
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func newTestCalculator(clock *fakeClock) *Calculator {
	return NewCalculatorWithClock(10*time.Second, 10*time.Second, clock.now)
}

func TestSetPositionRoundTrip(t *testing.T) {
	clock := newFakeClock()
	c := newTestCalculator(clock)

	for p := MinPosition; p <= MaxPosition; p++ {
		c.SetPosition(p)
		assert.Equal(t, p, c.CurrentPosition())
		assert.True(t, c.PositionConfirmed())
		assert.True(t, c.PositionReached())
	}
}

func TestSetPositionClamps(t *testing.T) {
	clock := newFakeClock()
	c := newTestCalculator(clock)

	c.SetPosition(150)
	assert.Equal(t, MaxPosition, c.CurrentPosition())

	c.SetPosition(-5)
	assert.Equal(t, MinPosition, c.CurrentPosition())
}

func TestStartTravelWithoutBaselineSnapsToTarget(t *testing.T) {
	clock := newFakeClock()
	c := newTestCalculator(clock)

	c.StartTravel(70, 0)
	assert.Equal(t, 70, c.CurrentPosition())
	assert.True(t, c.PositionConfirmed())
	assert.True(t, c.PositionReached())
}

func TestMonotonicConvergence(t *testing.T) {
	clock := newFakeClock()
	c := newTestCalculator(clock)

	c.SetPosition(0)
	c.StartTravel(100, 0)

	last := 0
	for i := 0; i < 100; i++ {
		clock.advance(100 * time.Millisecond)
		pos := c.CurrentPosition()
		assert.GreaterOrEqual(t, pos, last)
		assert.LessOrEqual(t, pos, 100)
		last = pos
	}
	assert.Equal(t, 100, last)
}

func TestHalfwayEstimate(t *testing.T) {
	clock := newFakeClock()
	c := newTestCalculator(clock)

	c.SetPosition(0)
	c.StartTravel(100, 0)
	clock.advance(5 * time.Second)

	assert.Equal(t, 50, c.CurrentPosition())
	assert.True(t, c.IsTraveling())
	assert.Equal(t, DirectionUp, c.Direction())
}

func TestTimeExceededSnapsToTarget(t *testing.T) {
	clock := newFakeClock()
	c := newTestCalculator(clock)

	c.SetPosition(20)
	c.StartTravel(80, 0)
	clock.advance(time.Hour)

	assert.Equal(t, 80, c.CurrentPosition())
	assert.True(t, c.PositionReached())
	assert.Equal(t, DirectionStopped, c.Direction())
}

func TestPartialMoveUsesScaledDuration(t *testing.T) {
	clock := newFakeClock()
	c := NewCalculatorWithClock(10*time.Second, 20*time.Second, clock.now)

	// closing 100 -> 50 is half of the 20s down traverse
	c.SetPosition(100)
	c.StartTravel(50, 0)

	clock.advance(5 * time.Second)
	assert.Equal(t, 75, c.CurrentPosition())
	assert.Equal(t, DirectionDown, c.Direction())

	clock.advance(5 * time.Second)
	assert.Equal(t, 50, c.CurrentPosition())
	assert.True(t, c.PositionReached())
}

func TestZeroDurationMove(t *testing.T) {
	clock := newFakeClock()
	c := newTestCalculator(clock)

	c.SetPosition(42)
	c.StartTravel(42, 0)

	assert.True(t, c.PositionReached())
	assert.True(t, c.PositionConfirmed())
	assert.Equal(t, 42, c.CurrentPosition())
}

func TestStopFreezesEstimate(t *testing.T) {
	clock := newFakeClock()
	c := newTestCalculator(clock)

	c.SetPosition(0)
	c.StartTravel(100, 0)
	clock.advance(3 * time.Second)

	c.Stop()
	frozen := c.CurrentPosition()
	assert.Equal(t, 30, frozen)
	assert.False(t, c.PositionConfirmed())

	// time passing after a stop must not move the estimate
	clock.advance(time.Minute)
	assert.Equal(t, frozen, c.CurrentPosition())

	c.Stop()
	assert.Equal(t, frozen, c.CurrentPosition())
}

func TestStopWithUnknownPositionIsNoop(t *testing.T) {
	clock := newFakeClock()
	c := newTestCalculator(clock)

	c.Stop()
	assert.False(t, c.PositionKnown())
}

func TestStartTravelWithDelayReportsNoProgress(t *testing.T) {
	clock := newFakeClock()
	c := newTestCalculator(clock)

	c.SetPosition(0)
	c.StartTravel(100, 2*time.Second)

	clock.advance(time.Second)
	assert.Equal(t, 0, c.CurrentPosition())

	clock.advance(time.Second)
	assert.Equal(t, 0, c.CurrentPosition())

	// baseline timestamp passed, interpolation begins
	clock.advance(5 * time.Second)
	assert.Equal(t, 50, c.CurrentPosition())
}

func TestDirectionReversalMidTravel(t *testing.T) {
	clock := newFakeClock()
	c := newTestCalculator(clock)

	c.SetPosition(0)
	c.StartTravel(100, 0)
	clock.advance(5 * time.Second)

	c.StartTravel(0, 0)
	assert.Equal(t, DirectionDown, c.Direction())
	assert.Equal(t, 50, c.CurrentPosition())

	clock.advance(5 * time.Second)
	assert.Equal(t, 0, c.CurrentPosition())
	assert.True(t, c.PositionReached())
}

func TestDurationTo(t *testing.T) {
	clock := newFakeClock()
	c := NewCalculatorWithClock(10*time.Second, 20*time.Second, clock.now)

	c.SetPosition(50)
	assert.Equal(t, 5*time.Second, c.DurationTo(100))
	assert.Equal(t, 10*time.Second, c.DurationTo(0))
	assert.Equal(t, time.Duration(0), c.DurationTo(50))
}

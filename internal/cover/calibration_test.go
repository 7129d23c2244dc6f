package cover

import (
	"context"
	"testing"
	"time"

	"github.com/covertime/covertime/internal/cover/actuator"
	"github.com/covertime/covertime/internal/cover/tilt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalibrationMutualExclusion(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	require.NoError(t, rig.c.StartCalibration(ctx, AttrTravelTimeOpen, time.Minute, ""))
	assert.Error(t, rig.c.StartCalibration(ctx, AttrTravelTimeClose, time.Minute, ""))

	_, err := rig.c.StopCalibration(ctx, true)
	require.NoError(t, err)

	require.NoError(t, rig.c.StartCalibration(ctx, AttrTravelTimeClose, time.Minute, ""))
	_, err = rig.c.StopCalibration(ctx, true)
	require.NoError(t, err)
}

func TestCalibrationUnknownAttribute(t *testing.T) {
	rig := newTestRig(t, nil)

	err := rig.c.StartCalibration(context.Background(), CalibrationAttribute("bogus"), time.Minute, "")
	assert.Error(t, err)
}

func TestStopCalibrationWithoutRun(t *testing.T) {
	rig := newTestRig(t, nil)

	_, err := rig.c.StopCalibration(context.Background(), false)
	assert.Error(t, err)
}

func TestTiltCalibrationRejectedWhenDerived(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.TiltTimeUp = 20 * time.Millisecond
		cfg.TiltTimeDown = 20 * time.Millisecond
	})
	rig.c.WithTilt(tilt.NewProportional(), nil)

	err := rig.c.StartCalibration(context.Background(), AttrTiltTimeOpen, time.Minute, "")
	assert.Error(t, err)
}

func TestTiltCalibrationRejectedWithoutTiltAxis(t *testing.T) {
	rig := newTestRig(t, nil)

	err := rig.c.StartCalibration(context.Background(), AttrTiltTimeOpen, time.Minute, "")
	assert.Error(t, err)
}

func TestOverheadCalibrationRequiresBaseTime(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.TravelTimeUp = 0
		cfg.TravelTimeDown = 0
	})

	err := rig.c.StartCalibration(context.Background(), AttrTravelStartupDelay, time.Minute, "")
	assert.Error(t, err)

	// configuration untouched by the rejected start, motion still works
	require.NoError(t, rig.c.ResetPosition(50))
	assert.Equal(t, 50, rig.c.Position())
}

func TestTimedRunCalibration(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.c.ResetPosition(0))
	ctx := context.Background()

	require.NoError(t, rig.c.StartCalibration(ctx, AttrTravelTimeOpen, time.Minute, ""))
	assert.True(t, rig.up.IsOn())

	time.Sleep(60 * time.Millisecond)
	result, err := rig.c.StopCalibration(ctx, false)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, AttrTravelTimeOpen, result.Attribute)
	assert.InDelta(t, 0.06, result.Value, 0.04)
	assert.False(t, rig.up.IsOn())

	// the run ended at the hard stop, the estimate is re-referenced there
	assert.Equal(t, 100, rig.c.Position())
	rig.c.mu.Lock()
	assert.InDelta(t, result.Value, rig.c.cfg.TravelTimeUp.Seconds(), 0.001)
	rig.c.mu.Unlock()
}

func TestCancelledCalibrationPersistsNothing(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.c.ResetPosition(0))
	ctx := context.Background()

	original := 100 * time.Millisecond

	require.NoError(t, rig.c.StartCalibration(ctx, AttrTravelTimeOpen, time.Minute, ""))
	time.Sleep(20 * time.Millisecond)

	result, err := rig.c.StopCalibration(ctx, true)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.False(t, rig.up.IsOn())

	rig.c.mu.Lock()
	assert.Equal(t, original, rig.c.cfg.TravelTimeUp)
	rig.c.mu.Unlock()

	// the cover moved untracked for the whole run, the old estimate is gone
	assert.False(t, rig.c.travelCalc.PositionKnown())
}

func TestCalibrationTimeoutDiscards(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.c.ResetPosition(0))
	ctx := context.Background()

	require.NoError(t, rig.c.StartCalibration(ctx, AttrTravelTimeOpen, 20*time.Millisecond, ""))

	assert.Eventually(t, func() bool {
		return !rig.up.IsOn()
	}, time.Second, 2*time.Millisecond)

	// the watchdog discarded the run without persisting
	_, err := rig.c.StopCalibration(ctx, false)
	assert.Error(t, err)

	rig.c.mu.Lock()
	assert.Equal(t, 100*time.Millisecond, rig.c.cfg.TravelTimeUp)
	rig.c.mu.Unlock()
	assert.False(t, rig.c.travelCalc.PositionKnown())
}

func TestMotionCommandsRejectedDuringCalibration(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.c.ResetPosition(0))
	ctx := context.Background()

	require.NoError(t, rig.c.StartCalibration(ctx, AttrTravelTimeOpen, time.Minute, ""))

	assert.Error(t, rig.c.Open(ctx))
	assert.Error(t, rig.c.Stop(ctx))

	_, err := rig.c.StopCalibration(ctx, true)
	require.NoError(t, err)
	assert.NoError(t, rig.c.Open(ctx))
}

func TestPulseSearchCalibration(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.c.ResetPosition(50))
	ctx := context.Background()

	require.NoError(t, rig.c.StartCalibration(ctx, AttrMinMovementTime, time.Minute, "open"))

	// first pulse is 100ms; stop after it completed
	time.Sleep(150 * time.Millisecond)
	result, err := rig.c.StopCalibration(ctx, false)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, AttrMinMovementTime, result.Attribute)
	assert.InDelta(t, 0.1, result.Value, 0.001)

	rig.c.mu.Lock()
	assert.Equal(t, 100*time.Millisecond, rig.c.cfg.MinMovementTime)
	rig.c.mu.Unlock()
}

func TestOverheadArithmetic(t *testing.T) {
	// full time 60s, continuous phase 27s after 15 executed steps:
	// (27 - 0.2*60) / 15 = 1s — the 0.2 reflects the nominal 8-of-10
	// stepped split regardless of the actual step count
	overhead := computeOverhead(27*time.Second, 60*time.Second, 15, continuousFractionTravel)
	assert.Equal(t, time.Second, overhead)

	overhead = computeOverhead(14*time.Second, 60*time.Second, 8, continuousFractionTravel)
	assert.Equal(t, 250*time.Millisecond, overhead)

	// tilt variant consumes 3 of 10 nominal steps
	overhead = computeOverhead(10*time.Second, 10*time.Second, 3, continuousFractionTilt)
	assert.Equal(t, time.Second, overhead)
}

func TestOverheadCalibrationWithoutContinuousPhaseFails(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.TravelTimeUp = 500 * time.Millisecond
		cfg.TravelTimeDown = 500 * time.Millisecond
	})
	require.NoError(t, rig.c.ResetPosition(0))
	ctx := context.Background()

	require.NoError(t, rig.c.StartCalibration(ctx, AttrTravelStartupDelay, time.Minute, ""))

	// stop long before the stepped phase finishes: no continuous phase,
	// no derivable value
	time.Sleep(10 * time.Millisecond)
	_, err := rig.c.StopCalibration(ctx, false)
	assert.Error(t, err)

	// a failed derivation still ends the run
	require.NoError(t, rig.c.StartCalibration(ctx, AttrTravelStartupDelay, time.Minute, ""))
	_, err = rig.c.StopCalibration(ctx, true)
	require.NoError(t, err)
}

func TestTimedRunHonorsExplicitDirection(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.c.ResetPosition(100))
	ctx := context.Background()

	require.NoError(t, rig.c.StartCalibration(ctx, AttrTravelTimeClose, time.Minute, "open"))

	assert.True(t, rig.up.IsOn())
	assert.False(t, rig.down.IsOn())

	_, err := rig.c.StopCalibration(ctx, true)
	require.NoError(t, err)
}

// slowOpenStrategy models a laggy actuation bus: the open command takes a
// while to land on the wire.
type slowOpenStrategy struct {
	actuator.Strategy
	delay time.Duration
}

func (s *slowOpenStrategy) Open(ctx context.Context) error {
	time.Sleep(s.delay)
	return s.Strategy.Open(ctx)
}

func TestCalibrationStopWinsOverInFlightStep(t *testing.T) {
	cfg := Config{
		Name:           "test",
		TravelTimeUp:   100 * time.Millisecond,
		TravelTimeDown: 100 * time.Millisecond,
		UpdateInterval: 2 * time.Millisecond,
	}
	up, down := actuator.NewFake("up"), actuator.NewFake("down")
	act := &slowOpenStrategy{Strategy: actuator.NewSwitch(up, down, nil), delay: 20 * time.Millisecond}
	c := NewController(cfg, act)
	t.Cleanup(c.Shutdown)

	require.NoError(t, c.ResetPosition(0))
	ctx := context.Background()
	require.NoError(t, c.StartCalibration(ctx, AttrTravelStartupDelay, time.Minute, "open"))

	// stop while the first automation step is still issuing its open
	time.Sleep(5 * time.Millisecond)
	_, err := c.StopCalibration(ctx, true)
	require.NoError(t, err)

	// the final stop lands after the in-flight step, and no later step
	// may re-energize the relay
	assert.False(t, up.IsOn())
	time.Sleep(40 * time.Millisecond)
	assert.False(t, up.IsOn())
}

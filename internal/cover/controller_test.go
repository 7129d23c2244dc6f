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

type testRig struct {
	c    *Controller
	up   *actuator.Fake
	down *actuator.Fake
}

func newTestRig(t *testing.T, mutate func(*Config)) *testRig {
	t.Helper()

	cfg := Config{
		Name:           "test",
		TravelTimeUp:   100 * time.Millisecond,
		TravelTimeDown: 100 * time.Millisecond,
		UpdateInterval: 2 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	up, down := actuator.NewFake("up"), actuator.NewFake("down")
	c := NewController(cfg, actuator.NewSwitch(up, down, nil))
	t.Cleanup(c.Shutdown)

	return &testRig{c: c, up: up, down: down}
}

func TestOpenRunsToEndpointAndStops(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.c.ResetPosition(0))

	require.NoError(t, rig.c.Open(context.Background()))
	assert.True(t, rig.up.IsOn())
	assert.Equal(t, StateOpening, rig.c.State())

	time.Sleep(50 * time.Millisecond)
	mid := rig.c.Position()
	assert.Greater(t, mid, 20)
	assert.Less(t, mid, 80)

	assert.Eventually(t, func() bool {
		return rig.c.Position() == 100 && !rig.up.IsOn()
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, StateOpen, rig.c.State())
}

func TestCloseFromOpen(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.c.ResetPosition(100))

	require.NoError(t, rig.c.Close(context.Background()))
	assert.Equal(t, StateClosing, rig.c.State())

	assert.Eventually(t, func() bool {
		return rig.c.Position() == 0 && !rig.down.IsOn()
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, StateClosed, rig.c.State())
}

func TestReversalIssuesStopFirst(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.c.ResetPosition(50))

	require.NoError(t, rig.c.Open(context.Background()))
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, rig.c.Close(context.Background()))
	assert.Equal(t, StateClosing, rig.c.State())
	assert.True(t, rig.down.IsOn())
	assert.False(t, rig.up.IsOn())

	// the up winding was released by an explicit stop before reversing
	assert.Equal(t, []string{"up:on", "up:off", "up:off"}, rig.up.Edges())
}

func TestSetPositionPartialMove(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.c.ResetPosition(0))

	require.NoError(t, rig.c.SetPosition(context.Background(), 50))
	assert.Eventually(t, func() bool {
		return rig.c.Position() == 50 && !rig.up.IsOn()
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, StateOpen, rig.c.State())
}

func TestSetPositionOutOfRange(t *testing.T) {
	rig := newTestRig(t, nil)

	assert.Error(t, rig.c.SetPosition(context.Background(), 101))
	assert.Error(t, rig.c.SetPosition(context.Background(), -1))
}

func TestMinimumMovementSuppression(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.MinMovementTime = 50 * time.Millisecond
	})
	require.NoError(t, rig.c.ResetPosition(50))

	// 2% of a 100ms traverse is 2ms, far below the 50ms minimum
	require.NoError(t, rig.c.SetPosition(context.Background(), 52))
	assert.Empty(t, rig.up.Edges())
	assert.Empty(t, rig.down.Edges())
	assert.Equal(t, 50, rig.c.Position())

	// an endpoint target always passes
	require.NoError(t, rig.c.SetPosition(context.Background(), 100))
	assert.True(t, rig.up.IsOn())
}

func TestStopFreezesMidTravel(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.c.ResetPosition(0))

	require.NoError(t, rig.c.Open(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, rig.c.Stop(context.Background()))

	frozen := rig.c.Position()
	assert.Greater(t, frozen, 20)
	assert.Less(t, frozen, 80)
	assert.False(t, rig.up.IsOn())
	assert.Equal(t, StateOpen, rig.c.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozen, rig.c.Position())
}

func TestStopWhenIdleIsHarmless(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.c.ResetPosition(30))

	require.NoError(t, rig.c.Stop(context.Background()))
	require.NoError(t, rig.c.Stop(context.Background()))
	assert.Equal(t, 30, rig.c.Position())
}

func TestEndpointRunOnDelaysFinalStop(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.TravelTimeUp = 40 * time.Millisecond
		cfg.EndpointRunOn = 100 * time.Millisecond
	})
	require.NoError(t, rig.c.ResetPosition(0))

	require.NoError(t, rig.c.Open(context.Background()))
	assert.Eventually(t, func() bool {
		return rig.c.Position() == 100
	}, time.Second, 2*time.Millisecond)

	// position reached but the relay coasts on
	assert.True(t, rig.up.IsOn())
	assert.Eventually(t, func() bool {
		return !rig.up.IsOn()
	}, time.Second, 2*time.Millisecond)
}

func TestRunOnCancelledByNewCommand(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.TravelTimeUp = 20 * time.Millisecond
		cfg.TravelTimeDown = 100 * time.Millisecond
		cfg.EndpointRunOn = 500 * time.Millisecond
	})
	require.NoError(t, rig.c.ResetPosition(0))

	require.NoError(t, rig.c.Open(context.Background()))
	assert.Eventually(t, func() bool {
		return rig.c.Position() == 100
	}, time.Second, 2*time.Millisecond)
	assert.True(t, rig.up.IsOn())

	// a command during the run-on window must cancel the delayed stop
	require.NoError(t, rig.c.Close(context.Background()))
	assert.True(t, rig.down.IsOn())
	assert.Equal(t, StateClosing, rig.c.State())

	time.Sleep(50 * time.Millisecond)
	assert.True(t, rig.down.IsOn())
}

func TestStartupDelayDefersTracking(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.StartupDelay = 40 * time.Millisecond
	})
	require.NoError(t, rig.c.ResetPosition(0))

	require.NoError(t, rig.c.Open(context.Background()))
	// relay energized immediately, estimate still parked
	assert.True(t, rig.up.IsOn())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rig.c.Position())

	assert.Eventually(t, func() bool {
		return rig.c.Position() > 10
	}, time.Second, 2*time.Millisecond)
}

func TestReversalDuringStartupDelayStopsInstead(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.StartupDelay = 80 * time.Millisecond
	})
	require.NoError(t, rig.c.ResetPosition(50))

	require.NoError(t, rig.c.Open(context.Background()))
	require.NoError(t, rig.c.Close(context.Background()))

	// the delayed move was cancelled, not reversed; caller must re-issue
	assert.False(t, rig.up.IsOn())
	assert.False(t, rig.down.IsOn())
	assert.Equal(t, 50, rig.c.Position())
	assert.Equal(t, StateOpen, rig.c.State())

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 50, rig.c.Position())
}

func TestOpenWhenAlreadyOpenIsNoop(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.c.ResetPosition(100))

	require.NoError(t, rig.c.Open(context.Background()))
	assert.Empty(t, rig.up.Edges())
}

func TestProportionalCouplingInvariant(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.TiltTimeUp = 100 * time.Millisecond
		cfg.TiltTimeDown = 100 * time.Millisecond
	})
	rig.c.WithTilt(tilt.NewProportional(), nil)
	require.NoError(t, rig.c.ResetPosition(0))
	rig.c.tiltCalc.SetPosition(50)

	require.NoError(t, rig.c.Open(context.Background()))
	assert.Eventually(t, func() bool {
		return rig.c.Position() == 100 && !rig.up.IsOn()
	}, time.Second, 2*time.Millisecond)

	// at a travel boundary the slats are forced flush
	assert.Equal(t, 100, rig.c.TiltPosition())

	require.NoError(t, rig.c.Close(context.Background()))
	assert.Eventually(t, func() bool {
		return rig.c.Position() == 0 && !rig.down.IsOn()
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, rig.c.TiltPosition())
}

func TestSequentialTiltRaisesTravelFirst(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.TravelTimeUp = 40 * time.Millisecond
		cfg.TravelTimeDown = 40 * time.Millisecond
		cfg.TiltTimeUp = 20 * time.Millisecond
		cfg.TiltTimeDown = 20 * time.Millisecond
	})
	rig.c.WithTilt(tilt.NewSequential(), nil)
	require.NoError(t, rig.c.ResetPosition(50))
	rig.c.tiltCalc.SetPosition(0)

	require.NoError(t, rig.c.SetTilt(context.Background(), 60))

	// the travel pre-step to the endpoint executes before any tilt step
	assert.Eventually(t, func() bool {
		return rig.c.Position() == 100
	}, time.Second, 2*time.Millisecond)

	assert.Eventually(t, func() bool {
		return rig.c.TiltPosition() == 60 && !rig.up.IsOn()
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 100, rig.c.Position())
}

func TestObservedChangeStartsTracking(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.c.ResetPosition(0))

	// a wall switch energized the up output without us commanding it
	rig.c.HandleObservedChange("up", true)
	assert.Equal(t, StateOpening, rig.c.State())

	time.Sleep(50 * time.Millisecond)
	assert.Greater(t, rig.c.Position(), 10)

	rig.c.HandleObservedChange("up", false)
	frozen := rig.c.Position()
	assert.Equal(t, StateOpen, rig.c.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozen, rig.c.Position())
}

package cover

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/covertime/covertime/internal/cover/actuator"
	"github.com/covertime/covertime/internal/cover/tilt"
	"github.com/covertime/covertime/internal/cover/travel"
	"github.com/covertime/covertime/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultUpdateInterval = 100 * time.Millisecond

// Option keys in the persisted per-cover map.
const (
	optionPosition     = "position"
	optionTiltPosition = "tilt_position"
)

type Config struct {
	Name string

	TravelTimeUp   time.Duration
	TravelTimeDown time.Duration
	TiltTimeUp     time.Duration
	TiltTimeDown   time.Duration

	StartupDelay     time.Duration
	TiltStartupDelay time.Duration
	MinMovementTime  time.Duration
	EndpointRunOn    time.Duration

	UpdateInterval time.Duration
}

// Controller owns the estimators, the tilt policy and the actuation
// strategy of one cover, and serializes every motion command through one
// mutex. All pending timers (startup delay, endpoint run-on, calibration
// watchdog) are held as cancellable handles that clear their own
// back-reference when they fire.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	travelCalc *travel.Calculator
	tiltCalc   *travel.Calculator // nil without a tilt axis
	strategy   tilt.Strategy      // nil without a tilt axis
	act        actuator.Strategy
	tiltAct    actuator.Strategy // separate tilt motor, nil otherwise

	st  *store.Store // nil when running without persistence
	now func() time.Time

	handler UpdateHandler

	steps         []tilt.Step // remaining legs, head is active
	coupledActive bool        // head step drags the other axis along
	lastDirection actuator.Motion

	cancelMove     context.CancelFunc
	tickCancel     context.CancelFunc
	startupPending *time.Timer
	startupGen     uint64
	runOnPending   *time.Timer
	runOnGen       uint64

	cal *calibrationRun
}

func NewController(cfg Config, act actuator.Strategy) *Controller {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = defaultUpdateInterval
	}

	return &Controller{
		cfg:        cfg,
		travelCalc: travel.NewCalculator(cfg.TravelTimeUp, cfg.TravelTimeDown),
		act:        act,
		now:        time.Now,
		handler:    func(string, int, int) {},
	}
}

// WithTilt attaches a tilt axis driven by the given coupling strategy.
// tiltAct is required iff the strategy uses a separate tilt motor.
func (c *Controller) WithTilt(strategy tilt.Strategy, tiltAct actuator.Strategy) *Controller {
	c.tiltCalc = travel.NewCalculator(c.cfg.TiltTimeUp, c.cfg.TiltTimeDown)
	c.strategy = strategy
	c.tiltAct = tiltAct
	return c
}

func (c *Controller) WithStore(st *store.Store) *Controller {
	c.st = st
	return c
}

func (c *Controller) Name() string {
	return c.cfg.Name
}

func (c *Controller) HasTilt() bool {
	return c.tiltCalc != nil
}

func (c *Controller) OnUpdate(h UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Controller) Position() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.travelCalc.CurrentPosition()
}

func (c *Controller) TiltPosition() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tiltCalc == nil {
		return 0
	}
	return c.tiltCalc.CurrentPosition()
}

func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() string {
	switch c.travelCalc.Direction() {
	case travel.DirectionUp:
		return StateOpening
	case travel.DirectionDown:
		return StateClosing
	}
	if c.tiltCalc != nil {
		switch c.tiltCalc.Direction() {
		case travel.DirectionUp:
			return StateOpening
		case travel.DirectionDown:
			return StateClosing
		}
	}
	if c.travelCalc.CurrentPosition() == travel.MinPosition {
		return StateClosed
	}
	return StateOpen
}

// Restore seeds the estimators from the persisted option map and applies
// any calibrated timing attributes stored there.
func (c *Controller) Restore() {
	if c.st == nil {
		return
	}

	options, err := c.st.Options(c.cfg.Name)
	if err != nil {
		logrus.Errorf("%s: position restore failed: %s", c.cfg.Name, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, attr := range calibrationAttributes {
		raw, ok := options[string(attr)]
		if !ok {
			continue
		}
		seconds, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			logrus.Warnf("%s: ignoring corrupt option %s=%q", c.cfg.Name, attr, raw)
			continue
		}
		c.applyCalibratedLocked(attr, time.Duration(seconds*float64(time.Second)))
	}

	if raw, ok := options[optionPosition]; ok {
		if position, err := strconv.Atoi(raw); err == nil {
			c.travelCalc.SetPosition(position)
			logrus.Infof("%s: position restored to %d", c.cfg.Name, position)
		}
	}
	if raw, ok := options[optionTiltPosition]; ok && c.tiltCalc != nil {
		if position, err := strconv.Atoi(raw); err == nil {
			c.tiltCalc.SetPosition(position)
			logrus.Infof("%s: tilt position restored to %d", c.cfg.Name, position)
		}
	}
}

func (c *Controller) ResetPosition(position int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.travelCalc.SetPosition(position)
	c.publishLocked()
	c.checkpointLocked()
	return nil
}

func (c *Controller) Open(ctx context.Context) error {
	logrus.Infof("%s: open", c.cfg.Name)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moveTravelLocked(ctx, travel.MaxPosition)
}

func (c *Controller) Close(ctx context.Context) error {
	logrus.Infof("%s: close", c.cfg.Name)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moveTravelLocked(ctx, travel.MinPosition)
}

func (c *Controller) SetPosition(ctx context.Context, position int) error {
	logrus.Infof("%s: set position to %d", c.cfg.Name, position)
	if position < travel.MinPosition || position > travel.MaxPosition {
		return errors.Errorf("%s: %d is out of the %d/%d position range",
			c.cfg.Name, position, travel.MinPosition, travel.MaxPosition)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cal != nil {
		return errors.Errorf("%s: calibration in progress", c.cfg.Name)
	}
	if c.suppressShortMoveLocked(c.travelCalc, position) {
		return nil
	}
	return c.moveTravelLocked(ctx, position)
}

func (c *Controller) SetTilt(ctx context.Context, position int) error {
	logrus.Infof("%s: set tilt to %d", c.cfg.Name, position)
	if c.tiltCalc == nil {
		return errors.Errorf("%s: no tilt axis configured", c.cfg.Name)
	}
	if position < travel.MinPosition || position > travel.MaxPosition {
		return errors.Errorf("%s: %d is out of the %d/%d tilt range",
			c.cfg.Name, position, travel.MinPosition, travel.MaxPosition)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cal != nil {
		return errors.Errorf("%s: calibration in progress", c.cfg.Name)
	}
	if c.suppressShortMoveLocked(c.tiltCalc, position) {
		return nil
	}

	plan := c.strategy.PlanTilt(position, c.travelCalc.CurrentPosition(), c.tiltCalc.CurrentPosition())
	return c.startPlanLocked(ctx, plan)
}

// suppressShortMove drops a positional command whose movement would be
// shorter than the configured minimum at a non-endpoint target. Endpoint
// targets always pass: running into the hard stop re-references the
// estimate, there is no risk of a micro-pulse damaging the motor there.
func (c *Controller) suppressShortMoveLocked(calc *travel.Calculator, target int) bool {
	if c.cfg.MinMovementTime <= 0 {
		return false
	}
	if target == travel.MinPosition || target == travel.MaxPosition {
		return false
	}

	duration := calc.DurationTo(target)
	if duration > 0 && duration < c.cfg.MinMovementTime {
		logrus.Debugf("%s: movement of %s below minimum %s, ignored",
			c.cfg.Name, duration, c.cfg.MinMovementTime)
		return true
	}
	return false
}

func (c *Controller) moveTravelLocked(ctx context.Context, target int) error {
	if c.cal != nil {
		return errors.Errorf("%s: calibration in progress", c.cfg.Name)
	}

	var plan []tilt.Step
	if c.strategy != nil {
		plan = c.strategy.PlanPosition(target, c.travelCalc.CurrentPosition(), c.tiltCalc.CurrentPosition())
	} else {
		plan = []tilt.Step{{Axis: tilt.AxisTravel, Target: target}}
	}
	return c.startPlanLocked(ctx, plan)
}

func (c *Controller) startPlanLocked(ctx context.Context, plan []tilt.Step) error {
	plan = c.pruneReachedLocked(plan)
	if len(plan) == 0 {
		logrus.Debugf("%s: already at target", c.cfg.Name)
		return nil
	}

	// A command reversing a pending startup delay cancels the delayed move
	// instead of starting the reversed one; the caller re-issues.
	if c.startupPending != nil && c.reversesActiveLocked(plan[0]) {
		logrus.Debugf("%s: reversal during startup delay, stopping instead", c.cfg.Name)
		return c.stopLocked(ctx)
	}

	// Physical constraint: a moving motor must be released before its
	// direction relay may be reversed.
	if c.movingLocked() && c.reversesActiveLocked(plan[0]) {
		if err := c.stopLocked(ctx); err != nil {
			return err
		}
	}

	c.cancelRunOnLocked()
	c.steps = plan
	return c.startStepLocked(ctx)
}

func (c *Controller) pruneReachedLocked(plan []tilt.Step) []tilt.Step {
	pruned := plan[:0]
	for _, step := range plan {
		if c.calcFor(step.Axis).CurrentPosition() != step.Target {
			pruned = append(pruned, step)
		}
	}
	return pruned
}

func (c *Controller) calcFor(axis tilt.Axis) *travel.Calculator {
	if axis == tilt.AxisTilt {
		return c.tiltCalc
	}
	return c.travelCalc
}

func (c *Controller) actFor(axis tilt.Axis) actuator.Strategy {
	if axis == tilt.AxisTilt && c.strategy != nil && c.strategy.SeparateTiltMotor() && c.tiltAct != nil {
		return c.tiltAct
	}
	return c.act
}

func (c *Controller) movingLocked() bool {
	if len(c.steps) == 0 {
		return false
	}
	return c.travelCalc.IsTraveling() || (c.tiltCalc != nil && c.tiltCalc.IsTraveling())
}

func (c *Controller) reversesActiveLocked(next tilt.Step) bool {
	direction := directionOf(c.calcFor(next.Axis).CurrentPosition(), next.Target)
	switch c.lastDirection {
	case actuator.MotionOpening:
		return direction == travel.DirectionDown
	case actuator.MotionClosing:
		return direction == travel.DirectionUp
	}
	return false
}

// startStepLocked issues the actuation command for the head step and begins
// tracked travel, deferred by the axis startup delay when one is
// configured.
func (c *Controller) startStepLocked(ctx context.Context) error {
	step := c.steps[0]
	calc := c.calcFor(step.Axis)
	act := c.actFor(step.Axis)

	direction := directionOf(calc.CurrentPosition(), step.Target)
	if direction == travel.DirectionStopped {
		return c.advancePlanLocked(ctx)
	}

	moveCtx := c.retainContextLocked(ctx)

	var err error
	if direction == travel.DirectionUp {
		err = act.Open(moveCtx)
		c.lastDirection = actuator.MotionOpening
	} else {
		err = act.Close(moveCtx)
		c.lastDirection = actuator.MotionClosing
	}
	if err != nil {
		return errors.Wrapf(err, "%s: actuation failed", c.cfg.Name)
	}

	delay := c.startupDelayFor(step.Axis)
	moveDuration := calc.DurationTo(step.Target)
	calc.StartTravel(step.Target, delay)

	c.coupledActive = false
	if step.CoupleOther && c.tiltCalc != nil {
		other := c.calcFor(otherAxis(step.Axis))
		coupled := tilt.CoupledTarget(moveDuration, direction, other.TimeUp(), other.TimeDown(), other.CurrentPosition())
		other.StartTravel(coupled, delay)
		c.coupledActive = true
	}

	if delay > 0 {
		c.cancelStartupLocked()
		c.startupGen++
		gen := c.startupGen
		c.startupPending = time.AfterFunc(delay, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			// a superseded window must not clear its successor
			if c.startupGen == gen {
				c.startupPending = nil
			}
		})
	}

	logrus.Debugf("%s: %s step towards %d (%s)", c.cfg.Name, step.Axis, step.Target, direction)
	c.ensureTickerLocked()
	c.publishLocked()
	return nil
}

func (c *Controller) startupDelayFor(axis tilt.Axis) time.Duration {
	if axis == tilt.AxisTilt {
		return c.cfg.TiltStartupDelay
	}
	return c.cfg.StartupDelay
}

func otherAxis(axis tilt.Axis) tilt.Axis {
	if axis == tilt.AxisTilt {
		return tilt.AxisTravel
	}
	return tilt.AxisTilt
}

func directionOf(position, target int) travel.Direction {
	switch {
	case target > position:
		return travel.DirectionUp
	case target < position:
		return travel.DirectionDown
	}
	return travel.DirectionStopped
}

func (c *Controller) retainContextLocked(parent context.Context) context.Context {
	if c.cancelMove != nil {
		logrus.Debugf("%s: found previous operation context, cancel", c.cfg.Name)
		c.cancelMove()
	}

	ctx, cancel := context.WithCancel(parent)
	c.cancelMove = cancel
	return ctx
}

// Periodic tracking: the ticker exists exactly while an axis travels,
// republishing the estimate and detecting step completion.
func (c *Controller) ensureTickerLocked() {
	if c.tickCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.tickCancel = cancel

	go func() {
		ticker := time.NewTicker(c.cfg.UpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tick()
			}
		}
	}()
}

func (c *Controller) stopTickerLocked() {
	if c.tickCancel != nil {
		c.tickCancel()
		c.tickCancel = nil
	}
}

func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.publishLocked()

	if len(c.steps) == 0 {
		if c.runOnPending == nil {
			c.stopTickerLocked()
		}
		return
	}

	step := c.steps[0]
	if !c.calcFor(step.Axis).PositionReached() {
		return
	}
	if c.coupledActive && c.tiltCalc != nil && !c.calcFor(otherAxis(step.Axis)).PositionReached() {
		return
	}

	if err := c.advancePlanLocked(context.Background()); err != nil {
		logrus.Errorf("%s: advancing movement plan failed: %s", c.cfg.Name, err)
	}
}

// advancePlanLocked retires the completed head step: either chains into the
// next leg or settles the whole movement, optionally delaying the final
// relay stop at an endpoint.
func (c *Controller) advancePlanLocked(ctx context.Context) error {
	step := c.steps[0]
	c.steps = c.steps[1:]
	c.coupledActive = false

	if len(c.steps) > 0 {
		// release the relay between legs, the next leg may reverse
		if err := c.actFor(step.Axis).Stop(ctx); err != nil {
			return errors.Wrapf(err, "%s: stop between steps failed", c.cfg.Name)
		}
		return c.startStepLocked(ctx)
	}

	atEndpoint := step.Target == travel.MinPosition || step.Target == travel.MaxPosition
	if atEndpoint && c.cfg.EndpointRunOn > 0 {
		// let the mechanics coast into the hard stop before cutting power
		axis := step.Axis
		logrus.Debugf("%s: endpoint reached, run-on for %s", c.cfg.Name, c.cfg.EndpointRunOn)
		c.runOnGen++
		gen := c.runOnGen
		c.runOnPending = time.AfterFunc(c.cfg.EndpointRunOn, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			// cancelled or superseded while waiting for the lock
			if c.runOnGen != gen || c.runOnPending == nil {
				return
			}
			c.runOnPending = nil
			if err := c.actFor(axis).Stop(context.Background()); err != nil {
				logrus.Errorf("%s: delayed stop failed: %s", c.cfg.Name, err)
			}
			c.settleLocked()
		})
		return nil
	}

	if err := c.actFor(step.Axis).Stop(ctx); err != nil {
		return errors.Wrapf(err, "%s: stop failed", c.cfg.Name)
	}
	c.settleLocked()
	return nil
}

// settleLocked finalizes a finished or aborted movement: boundary
// correction, direction reset, checkpoint, state publish.
func (c *Controller) settleLocked() {
	c.steps = nil
	c.coupledActive = false
	c.lastDirection = actuator.MotionNone
	c.cancelStartupLocked()
	c.stopTickerLocked()

	if c.strategy != nil && c.tiltCalc != nil {
		if forced, ok := c.strategy.SnapToPhysical(c.travelCalc.CurrentPosition(), c.tiltCalc.CurrentPosition()); ok {
			c.tiltCalc.SetPosition(forced)
		}
	}

	c.checkpointLocked()
	c.publishLocked()
	logrus.Infof("%s: settled at position %d, state %s", c.cfg.Name, c.travelCalc.CurrentPosition(), c.stateLocked())
}

func (c *Controller) Stop(ctx context.Context) error {
	logrus.Infof("%s: stop", c.cfg.Name)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cal != nil {
		return errors.Errorf("%s: calibration in progress, stop it instead", c.cfg.Name)
	}
	return c.stopLocked(ctx)
}

func (c *Controller) stopLocked(ctx context.Context) error {
	c.cancelStartupLocked()
	c.cancelRunOnLocked()
	if c.cancelMove != nil {
		c.cancelMove()
		c.cancelMove = nil
	}

	c.travelCalc.Stop()
	if c.tiltCalc != nil {
		c.tiltCalc.Stop()
	}

	// idempotency of a redundant stop is mode-dependent and handled by the
	// actuation strategy (toggle suppresses the pulse entirely)
	if err := c.act.Stop(ctx); err != nil {
		return errors.Wrapf(err, "%s: stop actuation failed", c.cfg.Name)
	}
	if c.tiltAct != nil {
		if err := c.tiltAct.Stop(ctx); err != nil {
			return errors.Wrapf(err, "%s: tilt stop actuation failed", c.cfg.Name)
		}
	}

	c.settleLocked()
	return nil
}

func (c *Controller) cancelStartupLocked() {
	c.startupGen++
	if c.startupPending != nil {
		c.startupPending.Stop()
		c.startupPending = nil
	}
}

func (c *Controller) cancelRunOnLocked() {
	c.runOnGen++
	if c.runOnPending != nil {
		c.runOnPending.Stop()
		c.runOnPending = nil
	}
}

// HandleObservedChange feeds an output state change that was not initiated
// by this controller (wall switch wired in parallel) into the estimators,
// so externally commanded movement is still tracked.
func (c *Controller) HandleObservedChange(output string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cal != nil {
		// calibration owns the outputs, observed edges are our own
		return
	}

	motion := c.act.Interpret(output, on)
	switch motion {
	case actuator.MotionOpening:
		if c.lastDirection == actuator.MotionOpening {
			return
		}
		logrus.Infof("%s: externally observed opening", c.cfg.Name)
		c.steps = []tilt.Step{{Axis: tilt.AxisTravel, Target: travel.MaxPosition}}
		c.lastDirection = actuator.MotionOpening
		c.travelCalc.StartTravel(travel.MaxPosition, c.cfg.StartupDelay)
		c.ensureTickerLocked()
	case actuator.MotionClosing:
		if c.lastDirection == actuator.MotionClosing {
			return
		}
		logrus.Infof("%s: externally observed closing", c.cfg.Name)
		c.steps = []tilt.Step{{Axis: tilt.AxisTravel, Target: travel.MinPosition}}
		c.lastDirection = actuator.MotionClosing
		c.travelCalc.StartTravel(travel.MinPosition, c.cfg.StartupDelay)
		c.ensureTickerLocked()
	case actuator.MotionStopped:
		if len(c.steps) == 0 && c.runOnPending == nil && c.startupPending == nil {
			return
		}
		logrus.Infof("%s: externally observed stop", c.cfg.Name)
		c.cancelStartupLocked()
		c.cancelRunOnLocked()
		c.travelCalc.Stop()
		if c.tiltCalc != nil {
			c.tiltCalc.Stop()
		}
		c.settleLocked()
	}
}

func (c *Controller) publishLocked() {
	tiltPosition := 0
	if c.tiltCalc != nil {
		tiltPosition = c.tiltCalc.CurrentPosition()
	}
	c.handler(c.stateLocked(), c.travelCalc.CurrentPosition(), tiltPosition)
}

// checkpointLocked persists the settled positions without holding up the
// caller; the store merges so concurrent writers keep their keys.
func (c *Controller) checkpointLocked() {
	if c.st == nil {
		return
	}

	options := map[string]string{
		optionPosition: strconv.Itoa(c.travelCalc.CurrentPosition()),
	}
	if c.tiltCalc != nil {
		options[optionTiltPosition] = strconv.Itoa(c.tiltCalc.CurrentPosition())
	}

	name := c.cfg.Name
	st := c.st
	go func() {
		if err := st.MergeOptions(name, options); err != nil {
			logrus.Errorf("%s: position checkpoint failed: %s", name, err)
		}
	}()
}

// Shutdown cancels every pending task and checkpoints the estimate. The
// controller must not be used afterwards.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cal != nil {
		c.discardCalibrationLocked("shutdown")
	}
	c.cancelStartupLocked()
	c.cancelRunOnLocked()
	if c.cancelMove != nil {
		c.cancelMove()
		c.cancelMove = nil
	}
	c.stopTickerLocked()

	c.travelCalc.Stop()
	if c.tiltCalc != nil {
		c.tiltCalc.Stop()
	}
	if err := c.act.Stop(context.Background()); err != nil {
		logrus.Errorf("%s: stop on shutdown failed: %s", c.cfg.Name, err)
	}
	c.checkpointLocked()
}

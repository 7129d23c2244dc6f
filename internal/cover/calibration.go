package cover

import (
	"context"
	"strconv"
	"time"

	"github.com/covertime/covertime/internal/cover/actuator"
	"github.com/covertime/covertime/internal/cover/tilt"
	"github.com/covertime/covertime/internal/cover/travel"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type CalibrationAttribute string

const (
	AttrTravelTimeOpen     CalibrationAttribute = "travel_time_open"
	AttrTravelTimeClose    CalibrationAttribute = "travel_time_close"
	AttrTiltTimeOpen       CalibrationAttribute = "tilt_time_open"
	AttrTiltTimeClose      CalibrationAttribute = "tilt_time_close"
	AttrTravelStartupDelay CalibrationAttribute = "travel_startup_delay"
	AttrTiltStartupDelay   CalibrationAttribute = "tilt_startup_delay"
	AttrMinMovementTime    CalibrationAttribute = "min_movement_time"
)

var calibrationAttributes = []CalibrationAttribute{
	AttrTravelTimeOpen,
	AttrTravelTimeClose,
	AttrTiltTimeOpen,
	AttrTiltTimeClose,
	AttrTravelStartupDelay,
	AttrTiltStartupDelay,
	AttrMinMovementTime,
}

type CalibrationResult struct {
	Attribute CalibrationAttribute `json:"attribute"`
	// Value is the derived timing constant in seconds.
	Value float64 `json:"value"`
}

// Overhead calibration timing. The stepped phase consumes a nominal
// fraction of the traverse (8 of 10 equal steps for travel, 3 of 10 for
// tilt); the continuous-phase formula subtracts the remaining nominal
// fraction of the full time. The divisor, however, is the number of steps
// actually executed, so interrupting the stepped phase early skews the
// derived overhead. That mismatch is long-standing intended behavior,
// pinned by TestOverheadArithmetic.
const (
	overheadStepsTravel = 8
	overheadStepsTilt   = 3

	continuousFractionTravel = 0.2
	continuousFractionTilt   = 0.7

	interStepPause   = time.Second
	pulseSearchStart = 100 * time.Millisecond
	pulseSearchRaise = 100 * time.Millisecond
)

type calibrationProtocol int

const (
	protocolTimedRun calibrationProtocol = iota
	protocolSteppedOverhead
	protocolPulseSearch
)

type calibrationRun struct {
	attribute CalibrationAttribute
	protocol  calibrationProtocol
	opening   bool
	tiltAxis  bool

	startedAt       time.Time
	stepCount       int
	stepDuration    time.Duration
	lastPulse       time.Duration
	continuousStart time.Time

	watchdog   *time.Timer
	cancelAuto context.CancelFunc
}

// StartCalibration validates the preconditions, stops any current
// movement and launches the protocol matching the attribute. Exactly one
// calibration may run per cover.
func (c *Controller) StartCalibration(ctx context.Context, attribute CalibrationAttribute, timeout time.Duration, direction string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cal != nil {
		return errors.Errorf("%s: calibration of %s already in progress", c.cfg.Name, c.cal.attribute)
	}

	run, err := c.planCalibrationLocked(attribute, direction)
	if err != nil {
		return err
	}

	// settle any movement before measuring; the validation above already
	// passed, partial state is no longer possible
	if c.movingLocked() || c.startupPending != nil || c.runOnPending != nil {
		if err := c.stopLocked(ctx); err != nil {
			return err
		}
	}

	logrus.Infof("%s: starting %s calibration (timeout %s)", c.cfg.Name, attribute, timeout)
	c.cal = run
	run.watchdog = time.AfterFunc(timeout, func() {
		c.calibrationTimedOut(run)
	})

	autoCtx, cancel := context.WithCancel(context.Background())
	run.cancelAuto = cancel

	switch run.protocol {
	case protocolTimedRun:
		run.startedAt = c.now()
		if err := c.issueCalibrationMove(autoCtx, c.calibrationActuatorLocked(run), run.opening); err != nil {
			c.discardCalibrationLocked("failed start")
			return errors.Wrapf(err, "%s: calibration move failed", c.cfg.Name)
		}
		return nil
	case protocolSteppedOverhead:
		go c.runSteppedOverhead(autoCtx, run)
	case protocolPulseSearch:
		go c.runPulseSearch(autoCtx, run)
	}
	return nil
}

// calibrationActuate issues one automation actuation while verifying, under
// the controller lock, that the run still owns the calibration. An
// actuation in flight holds the lock, so StopCalibration cannot interleave
// its final stop with a step command; once the run is discarded every
// further step degrades to a no-op.
func (c *Controller) calibrationActuate(run *calibrationRun, issue func(actuator.Strategy) error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cal != run {
		return false
	}
	if err := issue(c.calibrationActuatorLocked(run)); err != nil {
		logrus.Errorf("%s: calibration actuation failed: %s", c.cfg.Name, err)
		return false
	}
	return true
}

// planCalibrationLocked maps the attribute to its protocol and rejects
// configurations in which the measurement is meaningless. Nothing is
// mutated here, so a rejection leaves no partial state behind.
func (c *Controller) planCalibrationLocked(attribute CalibrationAttribute, direction string) (*calibrationRun, error) {
	run := &calibrationRun{attribute: attribute}

	switch attribute {
	case AttrTravelTimeOpen, AttrTravelTimeClose:
		run.protocol = protocolTimedRun
		run.opening = attribute == AttrTravelTimeOpen
	case AttrTiltTimeOpen, AttrTiltTimeClose:
		run.protocol = protocolTimedRun
		run.tiltAxis = true
		run.opening = attribute == AttrTiltTimeOpen
	case AttrTravelStartupDelay:
		run.protocol = protocolSteppedOverhead
		if c.cfg.TravelTimeUp <= 0 || c.cfg.TravelTimeDown <= 0 {
			return nil, errors.Errorf("%s: travel time must be configured before calibrating %s", c.cfg.Name, attribute)
		}
	case AttrTiltStartupDelay:
		run.protocol = protocolSteppedOverhead
		run.tiltAxis = true
		if c.cfg.TiltTimeUp <= 0 || c.cfg.TiltTimeDown <= 0 {
			return nil, errors.Errorf("%s: tilt time must be configured before calibrating %s", c.cfg.Name, attribute)
		}
	case AttrMinMovementTime:
		run.protocol = protocolPulseSearch
	default:
		return nil, errors.Errorf("%s: unknown calibration attribute %q", c.cfg.Name, attribute)
	}

	if run.tiltAxis {
		if c.tiltCalc == nil {
			return nil, errors.Errorf("%s: no tilt axis configured", c.cfg.Name)
		}
		if !c.strategy.CanCalibrateTilt() {
			return nil, errors.Errorf("%s: tilt is derived from travel in this coupling mode, nothing to calibrate", c.cfg.Name)
		}
	}

	switch direction {
	case "open":
		run.opening = true
	case "close":
		run.opening = false
	case "":
		// timed runs default to the direction the attribute names, the
		// other protocols move away from the nearer endpoint
		if run.protocol != protocolTimedRun {
			run.opening = c.travelCalc.CurrentPosition() <= travel.MaxPosition/2
		}
	default:
		return nil, errors.Errorf("%s: %q is not a calibration direction", c.cfg.Name, direction)
	}
	if run.protocol == protocolSteppedOverhead {
		run.stepDuration = c.overheadStepDuration(run)
	}

	return run, nil
}

func (c *Controller) overheadStepDuration(run *calibrationRun) time.Duration {
	full := c.overheadFullTime(run)
	return full / 10
}

func (c *Controller) overheadFullTime(run *calibrationRun) time.Duration {
	if run.tiltAxis {
		if run.opening {
			return c.cfg.TiltTimeUp
		}
		return c.cfg.TiltTimeDown
	}
	if run.opening {
		return c.cfg.TravelTimeUp
	}
	return c.cfg.TravelTimeDown
}

func (c *Controller) calibrationActuatorLocked(run *calibrationRun) actuator.Strategy {
	if run.tiltAxis {
		return c.actFor(tilt.AxisTilt)
	}
	return c.actFor(tilt.AxisTravel)
}

func (c *Controller) issueCalibrationMove(ctx context.Context, act actuator.Strategy, opening bool) error {
	if opening {
		return act.Open(ctx)
	}
	return act.Close(ctx)
}

// runSteppedOverhead executes N short move-pulses with explicit stops, then
// one continuous move, and idles: the user stops the calibration once the
// cover visibly reaches its endpoint.
func (c *Controller) runSteppedOverhead(ctx context.Context, run *calibrationRun) {
	steps := overheadStepsTravel
	if run.tiltAxis {
		steps = overheadStepsTilt
	}

	move := func(act actuator.Strategy) error { return c.issueCalibrationMove(ctx, act, run.opening) }
	halt := func(act actuator.Strategy) error { return act.Stop(ctx) }

	for i := 0; i < steps; i++ {
		if !c.calibrationActuate(run, move) {
			return
		}
		if !sleepContext(ctx, run.stepDuration) {
			return
		}
		if !c.calibrationActuate(run, halt) {
			return
		}

		c.mu.Lock()
		run.stepCount++
		stepCount := run.stepCount
		c.mu.Unlock()
		logrus.Debugf("%s: calibration step %d done", c.cfg.Name, stepCount)

		if !sleepContext(ctx, interStepPause) {
			return
		}
	}

	if !sleepContext(ctx, interStepPause) {
		return
	}
	if !c.calibrationActuate(run, move) {
		return
	}

	c.mu.Lock()
	if c.cal == run {
		run.continuousStart = c.now()
	}
	c.mu.Unlock()
	logrus.Infof("%s: calibration continuous phase started, stop when the endpoint is reached", c.cfg.Name)
}

// runPulseSearch issues increasingly longer pulses until the user observes
// visible movement and stops the calibration.
func (c *Controller) runPulseSearch(ctx context.Context, run *calibrationRun) {
	pulse := pulseSearchStart

	move := func(act actuator.Strategy) error { return c.issueCalibrationMove(ctx, act, run.opening) }
	halt := func(act actuator.Strategy) error { return act.Stop(ctx) }

	for {
		if !c.calibrationActuate(run, move) {
			return
		}
		if !sleepContext(ctx, pulse) {
			return
		}
		if !c.calibrationActuate(run, halt) {
			return
		}

		c.mu.Lock()
		run.lastPulse = pulse
		c.mu.Unlock()
		logrus.Debugf("%s: calibration pulse of %s issued", c.cfg.Name, pulse)

		if !sleepContext(ctx, interStepPause) {
			return
		}
		pulse += pulseSearchRaise
	}
}

// StopCalibration ends the active run. Unless cancelled, the attribute
// value is computed per protocol, merged into the persisted options and
// applied to the live configuration.
func (c *Controller) StopCalibration(ctx context.Context, cancel bool) (*CalibrationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run := c.cal
	if run == nil {
		return nil, errors.Errorf("%s: no calibration in progress", c.cfg.Name)
	}
	stoppedAt := c.now()

	c.cal = nil
	run.watchdog.Stop()
	run.cancelAuto()

	act := c.calibrationActuatorLocked(run)
	if err := act.Stop(ctx); err != nil {
		logrus.Errorf("%s: calibration stop actuation failed: %s", c.cfg.Name, err)
	}

	if cancel {
		c.invalidateAbortedRunLocked(run)
		logrus.Infof("%s: %s calibration cancelled", c.cfg.Name, run.attribute)
		return nil, nil
	}

	value, err := c.calibrationValueLocked(run, stoppedAt)
	if err != nil {
		return nil, err
	}

	c.applyCalibratedLocked(run.attribute, value)
	c.snapAfterCalibrationLocked(run)
	c.publishLocked()

	seconds := value.Seconds()
	if c.st != nil {
		name := c.cfg.Name
		st := c.st
		attribute := string(run.attribute)
		go func() {
			if err := st.MergeOptions(name, map[string]string{
				attribute: strconv.FormatFloat(seconds, 'f', -1, 64),
			}); err != nil {
				logrus.Errorf("%s: persisting calibration result failed: %s", name, err)
			}
		}()
	}

	logrus.Infof("%s: %s calibrated to %.2fs", c.cfg.Name, run.attribute, seconds)
	return &CalibrationResult{Attribute: run.attribute, Value: seconds}, nil
}

func (c *Controller) calibrationValueLocked(run *calibrationRun, stoppedAt time.Time) (time.Duration, error) {
	switch run.protocol {
	case protocolTimedRun:
		return stoppedAt.Sub(run.startedAt), nil
	case protocolSteppedOverhead:
		if run.continuousStart.IsZero() {
			return 0, errors.Errorf("%s: continuous phase never started, nothing to derive", c.cfg.Name)
		}
		if run.stepCount == 0 {
			return 0, errors.Errorf("%s: no calibration steps executed, nothing to derive", c.cfg.Name)
		}
		fraction := continuousFractionTravel
		if run.tiltAxis {
			fraction = continuousFractionTilt
		}
		return computeOverhead(stoppedAt.Sub(run.continuousStart), c.overheadFullTime(run), run.stepCount, fraction), nil
	case protocolPulseSearch:
		if run.lastPulse == 0 {
			return 0, errors.Errorf("%s: no pulse issued yet, nothing to derive", c.cfg.Name)
		}
		return run.lastPulse, nil
	}
	// validation is supposed to make this unreachable
	return 0, errors.Errorf("%s: calibration attribute %q reached result computation unvalidated", c.cfg.Name, run.attribute)
}

// computeOverhead derives the per-step dead time by comparing the
// continuous phase against the nominal remainder of the traverse.
func computeOverhead(continuousDuration, fullTime time.Duration, stepCount int, continuousFraction float64) time.Duration {
	nominal := time.Duration(continuousFraction * float64(fullTime))
	return (continuousDuration - nominal) / time.Duration(stepCount)
}

// snapAfterCalibrationLocked re-references the exercised axis: a timed run
// ends exactly at the endpoint it was driven towards.
func (c *Controller) snapAfterCalibrationLocked(run *calibrationRun) {
	if run.protocol != protocolTimedRun {
		return
	}

	endpoint := travel.MinPosition
	if run.opening {
		endpoint = travel.MaxPosition
	}
	if run.tiltAxis {
		c.tiltCalc.SetPosition(endpoint)
	} else {
		c.travelCalc.SetPosition(endpoint)
	}
	c.checkpointLocked()
}

func (c *Controller) applyCalibratedLocked(attribute CalibrationAttribute, value time.Duration) {
	switch attribute {
	case AttrTravelTimeOpen:
		c.cfg.TravelTimeUp = value
		c.travelCalc.SetTimes(c.cfg.TravelTimeUp, c.cfg.TravelTimeDown)
	case AttrTravelTimeClose:
		c.cfg.TravelTimeDown = value
		c.travelCalc.SetTimes(c.cfg.TravelTimeUp, c.cfg.TravelTimeDown)
	case AttrTiltTimeOpen:
		c.cfg.TiltTimeUp = value
		if c.tiltCalc != nil {
			c.tiltCalc.SetTimes(c.cfg.TiltTimeUp, c.cfg.TiltTimeDown)
		}
	case AttrTiltTimeClose:
		c.cfg.TiltTimeDown = value
		if c.tiltCalc != nil {
			c.tiltCalc.SetTimes(c.cfg.TiltTimeUp, c.cfg.TiltTimeDown)
		}
	case AttrTravelStartupDelay:
		c.cfg.StartupDelay = value
	case AttrTiltStartupDelay:
		c.cfg.TiltStartupDelay = value
	case AttrMinMovementTime:
		c.cfg.MinMovementTime = value
	}
}

// calibrationTimedOut is the watchdog path: force a stop and discard the
// run without persisting anything.
func (c *Controller) calibrationTimedOut(run *calibrationRun) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cal != run {
		return
	}
	logrus.Warnf("%s: %s calibration timed out, discarding", c.cfg.Name, run.attribute)
	c.discardCalibrationLocked("timeout")
}

func (c *Controller) discardCalibrationLocked(reason string) {
	run := c.cal
	if run == nil {
		return
	}
	c.cal = nil
	run.watchdog.Stop()
	if run.cancelAuto != nil {
		run.cancelAuto()
	}

	if err := c.calibrationActuatorLocked(run).Stop(context.Background()); err != nil {
		logrus.Errorf("%s: forced stop after %s failed: %s", c.cfg.Name, reason, err)
	}
	c.invalidateAbortedRunLocked(run)
}

// invalidateAbortedRunLocked drops the estimate of an axis that moved for
// the whole aborted timed run without being tracked. Keeping the pre-run
// value would dead-reckon from a position the cover left long ago.
func (c *Controller) invalidateAbortedRunLocked(run *calibrationRun) {
	if run.protocol != protocolTimedRun {
		return
	}

	if run.tiltAxis {
		c.tiltCalc.Invalidate()
	} else {
		c.travelCalc.Invalidate()
	}
	logrus.Warnf("%s: %s position estimate discarded after aborted calibration run", c.cfg.Name, run.attribute)
	c.publishLocked()
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

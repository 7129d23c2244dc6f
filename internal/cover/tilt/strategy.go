package tilt

import (
	"time"

	"github.com/covertime/covertime/internal/cover/travel"
)

type Axis int

const (
	AxisTravel Axis = iota
	AxisTilt
)

func (a Axis) String() string {
	if a == AxisTilt {
		return "tilt"
	}
	return "travel"
}

// Step is one planned leg of a move: a target position on one axis.
// CoupleOther marks steps where the movement mechanically drags the other
// axis along; the orchestrator derives the coupled target from the step's
// actual duration via CoupledTarget.
type Step struct {
	Axis        Axis
	Target      int
	CoupleOther bool
}

// Strategy decides how the tilt axis and the travel axis constrain each
// other. Implementations are pure policy: they plan steps and correct
// boundary state but never touch hardware.
type Strategy interface {
	// PlanPosition returns the ordered steps needed to bring travel to
	// target, given the current positions of both axes.
	PlanPosition(target, position, tiltPosition int) []Step

	// PlanTilt returns the ordered steps needed to bring tilt to target.
	PlanTilt(target, position, tiltPosition int) []Step

	// SnapToPhysical reports the tilt value the mechanics force after the
	// cover stops at the given travel position, if any.
	SnapToPhysical(position, tiltPosition int) (tiltTarget int, forced bool)

	// CanCalibrateTilt reports whether tilt timing can be measured
	// independently of travel timing.
	CanCalibrateTilt() bool

	// SeparateTiltMotor reports whether tilt steps drive a dedicated
	// actuator instead of the travel motor.
	SeparateTiltMotor() bool
}

// CoupledTarget computes the secondary-axis target for a coupled movement:
// while the primary axis moves for moveTime in the given direction, the
// secondary axis covers moveTime/full-traverse of its own range.
func CoupledTarget(moveTime time.Duration, direction travel.Direction, timeUp, timeDown time.Duration, current int) int {
	full := timeUp
	if direction == travel.DirectionDown {
		full = timeDown
	}
	if full <= 0 {
		return travel.ClampPosition(current)
	}

	distance := int(float64(moveTime) / float64(full) * float64(travel.MaxPosition))
	if direction == travel.DirectionDown {
		distance = -distance
	}
	return travel.ClampPosition(current + distance)
}

package tilt

import "github.com/covertime/covertime/internal/cover/travel"

// Sequential models venetian mechanics where tilting is only effective at
// the closed endpoint: travel moves auto-level the slats first, and tilt
// moves require the cover to be fully closed.
type Sequential struct{}

func NewSequential() *Sequential {
	return &Sequential{}
}

func (s *Sequential) PlanPosition(target, position, tiltPosition int) []Step {
	var steps []Step
	if tiltPosition != travel.MinPosition {
		steps = append(steps, Step{Axis: AxisTilt, Target: travel.MinPosition})
	}
	return append(steps, Step{Axis: AxisTravel, Target: target})
}

func (s *Sequential) PlanTilt(target, position, tiltPosition int) []Step {
	var steps []Step
	if position != travel.MaxPosition {
		steps = append(steps, Step{Axis: AxisTravel, Target: travel.MaxPosition})
	}
	return append(steps, Step{Axis: AxisTilt, Target: target})
}

func (s *Sequential) SnapToPhysical(position, tiltPosition int) (int, bool) {
	return tiltPosition, false
}

func (s *Sequential) CanCalibrateTilt() bool {
	return true
}

func (s *Sequential) SeparateTiltMotor() bool {
	return false
}

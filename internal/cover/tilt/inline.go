package tilt

import "github.com/covertime/covertime/internal/cover/travel"

// Inline models a single-motor venetian where the slat tilt is embedded in
// the travel cycle: the first part of any travel motion rolls the slats to
// the endpoint matching the direction, and the endpoints force the slats
// flat against the respective stop.
type Inline struct{}

func NewInline() *Inline {
	return &Inline{}
}

func (i *Inline) PlanPosition(target, position, tiltPosition int) []Step {
	tiltEndpoint := travel.MaxPosition
	if target < position {
		tiltEndpoint = travel.MinPosition
	}

	var steps []Step
	if tiltPosition != tiltEndpoint {
		steps = append(steps, Step{Axis: AxisTilt, Target: tiltEndpoint})
	}
	return append(steps, Step{Axis: AxisTravel, Target: target})
}

func (i *Inline) PlanTilt(target, position, tiltPosition int) []Step {
	return []Step{{Axis: AxisTilt, Target: target}}
}

func (i *Inline) SnapToPhysical(position, tiltPosition int) (int, bool) {
	switch position {
	case travel.MinPosition:
		return travel.MinPosition, true
	case travel.MaxPosition:
		return travel.MaxPosition, true
	}
	return tiltPosition, false
}

func (i *Inline) CanCalibrateTilt() bool {
	return true
}

func (i *Inline) SeparateTiltMotor() bool {
	return false
}

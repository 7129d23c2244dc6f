package tilt

import "github.com/covertime/covertime/internal/cover/travel"

// Proportional couples tilt rigidly to travel: both axes move together at
// the ratio of their traverse speeds, so tilt has no movement of its own to
// calibrate. At either travel boundary the slats are mechanically forced
// flush with the cover.
type Proportional struct{}

func NewProportional() *Proportional {
	return &Proportional{}
}

func (p *Proportional) PlanPosition(target, position, tiltPosition int) []Step {
	return []Step{{Axis: AxisTravel, Target: target, CoupleOther: true}}
}

func (p *Proportional) PlanTilt(target, position, tiltPosition int) []Step {
	return []Step{{Axis: AxisTilt, Target: target, CoupleOther: true}}
}

func (p *Proportional) SnapToPhysical(position, tiltPosition int) (int, bool) {
	if position == travel.MinPosition || position == travel.MaxPosition {
		return position, true
	}
	return tiltPosition, false
}

func (p *Proportional) CanCalibrateTilt() bool {
	return false
}

func (p *Proportional) SeparateTiltMotor() bool {
	return false
}

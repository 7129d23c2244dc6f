package tilt

// DualMotor models an independent tilt actuator. Travel moves park the
// slats at a configured safe angle first, and tilt moves can be gated on a
// minimum travel position below which the slats would jam.
type DualMotor struct {
	safeTilt  int
	minTravel int
	gated     bool
}

func NewDualMotor(safeTilt int) *DualMotor {
	return &DualMotor{safeTilt: safeTilt}
}

// NewGatedDualMotor additionally enforces a minimum travel position for
// tilt movement.
func NewGatedDualMotor(safeTilt, minTravel int) *DualMotor {
	return &DualMotor{safeTilt: safeTilt, minTravel: minTravel, gated: true}
}

func (d *DualMotor) PlanPosition(target, position, tiltPosition int) []Step {
	var steps []Step
	if tiltPosition != d.safeTilt {
		steps = append(steps, Step{Axis: AxisTilt, Target: d.safeTilt})
	}
	return append(steps, Step{Axis: AxisTravel, Target: target})
}

func (d *DualMotor) PlanTilt(target, position, tiltPosition int) []Step {
	var steps []Step
	if d.gated && position < d.minTravel {
		steps = append(steps, Step{Axis: AxisTravel, Target: d.minTravel})
	}
	return append(steps, Step{Axis: AxisTilt, Target: target})
}

func (d *DualMotor) SnapToPhysical(position, tiltPosition int) (int, bool) {
	if d.gated && position < d.minTravel {
		return d.safeTilt, true
	}
	return tiltPosition, false
}

func (d *DualMotor) CanCalibrateTilt() bool {
	return true
}

func (d *DualMotor) SeparateTiltMotor() bool {
	return true
}

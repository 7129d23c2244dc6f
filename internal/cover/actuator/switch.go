package actuator

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Switch drives a latching relay pair: the direction output stays energized
// for the whole movement. An optional third output signals stop to
// controllers that expect it.
type Switch struct {
	up   Output
	down Output
	stop Output // optional
}

func NewSwitch(up, down, stop Output) *Switch {
	return &Switch{up: up, down: down, stop: stop}
}

func (s *Switch) Open(_ context.Context) error {
	if err := s.down.TurnOff(); err != nil {
		return err
	}
	if err := s.up.TurnOn(); err != nil {
		return err
	}
	return s.stopOff()
}

func (s *Switch) Close(_ context.Context) error {
	if err := s.up.TurnOff(); err != nil {
		return err
	}
	if err := s.down.TurnOn(); err != nil {
		return err
	}
	return s.stopOff()
}

func (s *Switch) Stop(_ context.Context) error {
	if err := s.up.TurnOff(); err != nil {
		return err
	}
	if err := s.down.TurnOff(); err != nil {
		return err
	}
	if s.stop != nil {
		return s.stop.TurnOn()
	}
	return nil
}

func (s *Switch) stopOff() error {
	if s.stop == nil {
		return nil
	}
	return s.stop.TurnOff()
}

func (s *Switch) Interpret(output string, on bool) Motion {
	switch {
	case on && output == s.up.Name():
		return MotionOpening
	case on && output == s.down.Name():
		return MotionClosing
	case on && s.stop != nil && output == s.stop.Name():
		return MotionStopped
	case !on && (output == s.up.Name() || output == s.down.Name()):
		if s.up.IsOn() || s.down.IsOn() {
			// direction change in progress, the on edge will follow
			return MotionNone
		}
		return MotionStopped
	}
	logrus.Debugf("switch: %s change carries no motion", output)
	return MotionNone
}

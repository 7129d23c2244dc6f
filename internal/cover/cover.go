package cover

import (
	"context"
	"time"
)

const (
	StateOpen    = "open"
	StateClosed  = "closed"
	StateOpening = "opening"
	StateClosing = "closing"
)

type UpdateHandler func(state string, position int, tiltPosition int)

type Cover interface {
	Name() string

	Position() int
	TiltPosition() int
	HasTilt() bool
	State() string

	OnUpdate(h UpdateHandler)

	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Stop(ctx context.Context) error
	SetPosition(ctx context.Context, position int) error
	SetTilt(ctx context.Context, position int) error
}

// StatelessCover is a cover whose position is estimated, never sensed, and
// can therefore be seeded from the outside.
type StatelessCover interface {
	Cover

	ResetPosition(position int) error
}

// Calibrator runs timed test movements to derive timing attributes.
type Calibrator interface {
	StartCalibration(ctx context.Context, attribute CalibrationAttribute, timeout time.Duration, direction string) error
	StopCalibration(ctx context.Context, cancel bool) (*CalibrationResult, error)
}

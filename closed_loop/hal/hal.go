// Package hal holds the device interfaces the chassis core talks to and the
// concrete backends behind them: CAN bus devices, GPIO outputs, a serial
// gamepad and a simulated chassis.
package hal

import (
	"context"
	"errors"

	"go.uber.org/multierr"
)

// ErrStale is returned by a sensor whose last sample is older than its
// staleness window.
var ErrStale = errors.New("stale sensor reading")

// MotorGroup is a set of motors commanded together.
type MotorGroup interface {
	// Move commands a normalized velocity in [-127, 127].
	Move(v float64) error
	// Position returns cumulative motor shaft degrees.
	Position() (float64, error)
}

// DigitalOut is a single solenoid or other on/off output.
type DigitalOut interface {
	Set(on bool) error
}

// HeadingSensor is an inertial sensor reporting continuous clockwise rotation.
type HeadingSensor interface {
	// Reset starts a calibration cycle.
	Reset(ctx context.Context) error
	Calibrating() (bool, error)
	// Rotation returns unbounded heading in degrees, clockwise positive.
	Rotation() (float64, error)
}

// RotationSensor reports cumulative shaft degrees.
type RotationSensor interface {
	Position() (float64, error)
}

// ColorSensor reports the hue of the object in front of it.
type ColorSensor interface {
	Hue() (float64, error)
}

type Axis int

const (
	AxisLeftX Axis = iota
	AxisLeftY
	AxisRightX
	AxisRightY
)

type Button int

const (
	ButtonL1 Button = iota
	ButtonL2
	ButtonR1
	ButtonR2
	ButtonA
	ButtonB
	ButtonX
	ButtonY
)

// Gamepad is polled once per control tick. Axes read in [-127, 127].
type Gamepad interface {
	Axis(a Axis) float64
	Button(b Button) bool
}

// Drivetrain groups the two sides of a differential chassis.
type Drivetrain struct {
	Left  MotorGroup
	Right MotorGroup
}

// Tank commands both sides. Both sides are always attempted.
func (d Drivetrain) Tank(left, right float64) error {
	return multierr.Combine(d.Left.Move(left), d.Right.Move(right))
}

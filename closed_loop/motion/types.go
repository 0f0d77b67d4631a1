// Package motion drives the chassis to point and pose targets with a pair of
// PID loops running on the odometry estimate.
package motion

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"chassis-motion-core/closed_loop/control"
	"chassis-motion-core/closed_loop/odometry"
)

var (
	// ErrCommandConflict is returned under PolicyReject while a command runs.
	ErrCommandConflict = errors.New("motion command already running")
	// ErrNotCalibrated is returned when a command starts before odometry is calibrated.
	ErrNotCalibrated = errors.New("odometry not calibrated")
)

type State int

const (
	Idle State = iota
	DrivingToPoint
	DrivingToPose
	Settled
	Cancelled
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case DrivingToPoint:
		return "driving_to_point"
	case DrivingToPose:
		return "driving_to_pose"
	case Settled:
		return "settled"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Running reports whether s is one of the driving states.
func (s State) Running() bool {
	return s == DrivingToPoint || s == DrivingToPose
}

// Policy decides what happens when a command starts while another runs.
type Policy string

const (
	// PolicyReplace cancels the running command, zeroes the wheels and starts the new one.
	PolicyReplace Policy = "replace"
	// PolicyReject refuses the new command with ErrCommandConflict.
	PolicyReject Policy = "reject"
)

type TargetKind int

const (
	KindPoint TargetKind = iota
	KindPose
)

// Target is a field position, plus a final heading for pose targets.
type Target struct {
	Kind  TargetKind
	X, Y  float64
	Theta float64 // radians, pose targets only
}

func PointTarget(x, y float64) Target {
	return Target{Kind: KindPoint, X: x, Y: y}
}

func PoseTarget(x, y, thetaDeg float64) Target {
	return Target{Kind: KindPose, X: x, Y: y, Theta: control.DegToRad(thetaDeg)}
}

func (t Target) Pose() odometry.Pose {
	return odometry.Pose{X: t.X, Y: t.Y, Theta: t.Theta}
}

func (t Target) String() string {
	if t.Kind == KindPose {
		return fmt.Sprintf("pose(%.2f, %.2f, %.1fdeg)", t.X, t.Y, control.RadToDeg(t.Theta))
	}
	return fmt.Sprintf("point(%.2f, %.2f)", t.X, t.Y)
}

// Options tune one motion command. Start from DefaultOptions.
type Options struct {
	Forwards bool    `json:"forwards"`
	MaxSpeed float64 `json:"max_speed"`
	// MinSpeed floors the lateral output and enables early exit for chaining
	// into the next command.
	MinSpeed       float64 `json:"min_speed"`
	EarlyExitRange float64 `json:"early_exit_range"`
	// Lead in (0, 1] sets how far behind the target the carrot point sits in
	// pose mode. Larger values give wider arcs.
	Lead float64 `json:"lead"`
	// HorizontalDrift overrides the drivetrain value when non-zero.
	HorizontalDrift float64 `json:"horizontal_drift"`
}

func DefaultOptions() Options {
	return Options{Forwards: true, MaxSpeed: control.MaxOutput, Lead: 0.6}
}

func (o Options) Validate() error {
	var errs error
	if o.MaxSpeed <= 0 || o.MaxSpeed > control.MaxOutput {
		errs = multierr.Append(errs, fmt.Errorf("max_speed must be in (0, 127], got %v", o.MaxSpeed))
	}
	if o.MinSpeed < 0 || o.MinSpeed > o.MaxSpeed {
		errs = multierr.Append(errs, fmt.Errorf("min_speed must be in [0, max_speed], got %v", o.MinSpeed))
	}
	if o.EarlyExitRange < 0 {
		errs = multierr.Append(errs, fmt.Errorf("early_exit_range must not be negative, got %v", o.EarlyExitRange))
	}
	if o.Lead <= 0 || o.Lead > 1 {
		errs = multierr.Append(errs, fmt.Errorf("lead must be in (0, 1], got %v", o.Lead))
	}
	if o.HorizontalDrift < 0 {
		errs = multierr.Append(errs, fmt.Errorf("horizontal_drift must not be negative, got %v", o.HorizontalDrift))
	}
	if errs != nil {
		return fmt.Errorf("%w: motion options: %w", control.ErrInvalidConfig, errs)
	}
	return nil
}

// Config is the immutable motion controller setup.
type Config struct {
	Lateral         control.PIDConfig `json:"lateral"`
	Angular         control.PIDConfig `json:"angular"`
	HorizontalDrift float64           `json:"horizontal_drift"`
	PeriodMS        int               `json:"period_ms"`
	Policy          Policy            `json:"policy"`
}

func DefaultConfig() Config {
	return Config{
		Lateral:         control.DefaultLateralConfig(),
		Angular:         control.DefaultAngularConfig(),
		HorizontalDrift: 30,
		PeriodMS:        10,
		Policy:          PolicyReplace,
	}
}

func (c Config) Period() time.Duration {
	return time.Duration(c.PeriodMS) * time.Millisecond
}

func (c Config) Validate() error {
	var errs error
	if err := c.Lateral.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("lateral: %w", err))
	}
	if err := c.Angular.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("angular: %w", err))
	}
	if c.HorizontalDrift <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: horizontal_drift must be positive, got %v", control.ErrInvalidConfig, c.HorizontalDrift))
	}
	if c.PeriodMS <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: period_ms must be positive, got %d", control.ErrInvalidConfig, c.PeriodMS))
	}
	switch Policy(strings.ToLower(string(c.Policy))) {
	case PolicyReplace, PolicyReject, "":
	default:
		errs = multierr.Append(errs, fmt.Errorf("%w: policy must be %q or %q, got %q", control.ErrInvalidConfig, PolicyReplace, PolicyReject, c.Policy))
	}
	if errs != nil {
		return fmt.Errorf("motion config: %w", errs)
	}
	return nil
}

// Result describes how a command ended.
type Result struct {
	ID       uuid.UUID
	Target   Target
	Outcome  State
	Pose     odometry.Pose
	Elapsed  time.Duration
	Ticks    int
	ExitedAt time.Time
}

func (r Result) String() string {
	return fmt.Sprintf("cmd=%s target=%s outcome=%s pose=%s elapsed=%s ticks=%d",
		r.ID, r.Target, r.Outcome, r.Pose, r.Elapsed, r.Ticks)
}

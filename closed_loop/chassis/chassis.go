// Package chassis is the command surface autonomous routines and the
// operator loop drive the robot through.
package chassis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"chassis-motion-core/closed_loop/control"
	"chassis-motion-core/closed_loop/motion"
	"chassis-motion-core/closed_loop/odometry"
	"chassis-motion-core/closed_loop/teleop"
	"chassis-motion-core/utils"
)

// DrivetrainSpec is the physical drivetrain geometry.
type DrivetrainSpec struct {
	TrackWidth      float64 `json:"track_width"`      // inches between wheel centres
	WheelDiameter   float64 `json:"wheel_diameter"`   // inches
	RPM             float64 `json:"rpm"`              // wheel rpm at full command
	HorizontalDrift float64 `json:"horizontal_drift"` // lateral grip, bounds speed on arcs
}

func DefaultDrivetrainSpec() DrivetrainSpec {
	return DrivetrainSpec{
		TrackWidth:      13.5,
		WheelDiameter:   odometry.OmniNew275,
		RPM:             450,
		HorizontalDrift: 30,
	}
}

func (d DrivetrainSpec) Validate() error {
	var errs error
	if d.TrackWidth <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("track_width must be positive, got %v", d.TrackWidth))
	}
	if d.WheelDiameter <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("wheel_diameter must be positive, got %v", d.WheelDiameter))
	}
	if d.RPM <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("rpm must be positive, got %v", d.RPM))
	}
	if d.HorizontalDrift <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("horizontal_drift must be positive, got %v", d.HorizontalDrift))
	}
	if errs != nil {
		return fmt.Errorf("%w: drivetrain: %w", control.ErrInvalidConfig, errs)
	}
	return nil
}

// Config assembles everything the chassis needs.
type Config struct {
	Drivetrain DrivetrainSpec         `json:"drivetrain"`
	Motion     motion.Config          `json:"motion"`
	Throttle   teleop.ExpoCurveConfig `json:"throttle_curve"`
	Steer      teleop.ExpoCurveConfig `json:"steer_curve"`
	Mixer      teleop.Mixer           `json:"mixer"`
}

func DefaultConfig() Config {
	return Config{
		Drivetrain: DefaultDrivetrainSpec(),
		Motion:     motion.DefaultConfig(),
		Throttle:   teleop.DefaultExpoCurveConfig(),
		Steer:      teleop.DefaultExpoCurveConfig(),
	}
}

// Odometry is the pose source the chassis drives from.
type Odometry interface {
	Pose() odometry.Pose
	SetPose(p odometry.Pose)
	Calibrated() bool
	Calibrate(ctx context.Context) error
}

// Chassis combines odometry, the motion controller and the teleop mixer
// over one drivetrain.
type Chassis struct {
	spec     DrivetrainSpec
	odom     Odometry
	drive    motion.Drive
	motion   *motion.Controller
	throttle teleop.Curve
	steer    teleop.Curve
	mixer    teleop.Mixer
	log      *utils.Logger
}

func New(cfg Config, drive motion.Drive, odom Odometry, clock utils.Clock, log *utils.Logger) (*Chassis, error) {
	if err := cfg.Drivetrain.Validate(); err != nil {
		return nil, err
	}
	if cfg.Motion.HorizontalDrift == 0 {
		cfg.Motion.HorizontalDrift = cfg.Drivetrain.HorizontalDrift
	}
	ctl, err := motion.NewController(cfg.Motion, odom, drive, clock, log)
	if err != nil {
		return nil, err
	}
	throttle, err := teleop.NewExpoCurve(cfg.Throttle)
	if err != nil {
		return nil, fmt.Errorf("throttle: %w", err)
	}
	steer, err := teleop.NewExpoCurve(cfg.Steer)
	if err != nil {
		return nil, fmt.Errorf("steer: %w", err)
	}
	return &Chassis{
		spec:     cfg.Drivetrain,
		odom:     odom,
		drive:    drive,
		motion:   ctl,
		throttle: throttle,
		steer:    steer,
		mixer:    cfg.Mixer,
		log:      log.Named("chassis"),
	}, nil
}

func (c *Chassis) Spec() DrivetrainSpec { return c.spec }

// Calibrate stops any running command, calibrates the heading sensor and
// zeroes the pose.
func (c *Chassis) Calibrate(ctx context.Context) error {
	c.motion.Cancel()
	if err := c.odom.Calibrate(ctx); err != nil {
		return fmt.Errorf("calibrate: %w", err)
	}
	return nil
}

func (c *Chassis) Pose() odometry.Pose { return c.odom.Pose() }

// SetPose overrides the estimate. Heading is in degrees.
func (c *Chassis) SetPose(x, y, headingDeg float64) {
	c.odom.SetPose(odometry.Pose{X: x, Y: y, Theta: control.DegToRad(headingDeg)})
}

func (c *Chassis) MoveToPoint(ctx context.Context, x, y float64, timeout time.Duration, opts motion.Options) (motion.Result, error) {
	return c.motion.MoveToPoint(ctx, x, y, timeout, opts)
}

func (c *Chassis) MoveToPose(ctx context.Context, x, y, headingDeg float64, timeout time.Duration, opts motion.Options) (motion.Result, error) {
	return c.motion.MoveToPose(ctx, x, y, headingDeg, timeout, opts)
}

// Motion exposes the controller for asynchronous commands.
func (c *Chassis) Motion() *motion.Controller { return c.motion }

// Cancel stops the running motion command and zeroes the wheels.
func (c *Chassis) Cancel() { c.motion.Cancel() }

// Arcade shapes the stick values, mixes them and drives the wheels. It is
// refused while a motion command owns the drivetrain.
func (c *Chassis) Arcade(throttle, steer float64, curvature bool, turnScale float64) error {
	if cmd := c.motion.Active(); cmd != nil {
		return fmt.Errorf("arcade: %w (cmd %s)", motion.ErrCommandConflict, cmd.ID)
	}
	left, right := c.mixer.Mix(c.throttle.Shape(throttle), c.steer.Shape(steer), curvature, turnScale)
	return c.drive.Tank(left, right)
}

// Stop zeroes the wheels.
func (c *Chassis) Stop() error {
	c.motion.Cancel()
	return c.drive.Tank(0, 0)
}

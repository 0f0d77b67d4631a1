package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"

	"chassis-motion-core/closed_loop/chassis"
	"chassis-motion-core/closed_loop/control"
	"chassis-motion-core/closed_loop/motion"
	"chassis-motion-core/closed_loop/odometry"
	"chassis-motion-core/closed_loop/teleop"
)

// Routine is the robot description plus the autonomous steps to run.
type Routine struct {
	Meta       RoutineMeta            `json:"meta"`
	Timing     RoutineTiming          `json:"timing"`
	Drivetrain chassis.DrivetrainSpec `json:"drivetrain"`
	Tracking   TrackingConfig         `json:"tracking"`
	Motion     motion.Config          `json:"motion"`
	Throttle   teleop.ExpoCurveConfig `json:"throttle_curve"`
	Steer      teleop.ExpoCurveConfig `json:"steer_curve"`
	Mixer      teleop.Mixer           `json:"mixer"`
	OpControl  teleop.OpControlConfig `json:"opcontrol"`
	Telemetry  TelemetryConfig        `json:"telemetry"`
	CAN        CANFrames              `json:"can"`
	Steps      []Step                 `json:"steps"`
}

// RoutineMeta contains routine metadata
type RoutineMeta struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description"`
}

// RoutineTiming defines loop periods and phase limits
type RoutineTiming struct {
	OdomPeriodMS         int     `json:"odom_period_ms"`
	CalibrationAttempts  int     `json:"calibration_attempts"`
	CalibrationTimeoutMS int     `json:"calibration_timeout_ms"`
	TeleopDurationS      float64 `json:"teleop_duration_s"` // 0 runs until interrupted
	SimStepMS            int     `json:"sim_step_ms"`
}

// TrackingConfig describes the odometry wheels.
type TrackingConfig struct {
	HorizontalDiameter float64 `json:"horizontal_diameter"`
	HorizontalOffset   float64 `json:"horizontal_offset"`
	// MotorEncoders adds the drive motor groups as vertical tracking wheels.
	MotorEncoders bool    `json:"motor_encoders"`
	CartridgeRPM  float64 `json:"cartridge_rpm"`
}

type TelemetryConfig struct {
	PeriodMS int    `json:"period_ms"`
	Topic    string `json:"topic"`
	ClientID string `json:"client_id"`
}

// CANFrames names the frames of can_map.csv each device uses.
type CANFrames struct {
	DriveCmd     string `json:"drive_cmd"`
	IntakeCmd    string `json:"intake_cmd"`
	IMUCmd       string `json:"imu_cmd"`
	ClampCmd     string `json:"clamp_cmd"`
	OpticalCmd   string `json:"optical_cmd"`
	IMUState     string `json:"imu_state"`
	RotState     string `json:"rotation_state"`
	DriveState   string `json:"drive_state"`
	OpticalState string `json:"optical_state"`
	StaleMS      int    `json:"stale_ms"`
	OpticalLED   int    `json:"optical_led_pwm"`
}

// Step ops
const (
	OpMoveToPoint = "move_to_point"
	OpMoveToPose  = "move_to_pose"
	OpWait        = "wait"
	OpSetPose     = "set_pose"
)

// Step is one autonomous instruction. Unset options take the motion
// defaults.
type Step struct {
	Op         string   `json:"op"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	HeadingDeg float64  `json:"heading_deg"`
	TimeoutMS  int      `json:"timeout_ms"`
	Forwards   *bool    `json:"forwards,omitempty"`
	MaxSpeed   *float64 `json:"max_speed,omitempty"`
	MinSpeed   *float64 `json:"min_speed,omitempty"`
	EarlyExit  *float64 `json:"early_exit_range,omitempty"`
	Lead       *float64 `json:"lead,omitempty"`
	Async      bool     `json:"async,omitempty"`
	Comment    string   `json:"comment,omitempty"`
}

func (s Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Options merges the step overrides into the motion defaults.
func (s Step) Options() motion.Options {
	o := motion.DefaultOptions()
	if s.Forwards != nil {
		o.Forwards = *s.Forwards
	}
	if s.MaxSpeed != nil {
		o.MaxSpeed = *s.MaxSpeed
	}
	if s.MinSpeed != nil {
		o.MinSpeed = *s.MinSpeed
	}
	if s.EarlyExit != nil {
		o.EarlyExitRange = *s.EarlyExit
	}
	if s.Lead != nil {
		o.Lead = *s.Lead
	}
	return o
}

func (s Step) String() string {
	switch s.Op {
	case OpMoveToPoint:
		return fmt.Sprintf("%s(%.1f, %.1f, %dms)", s.Op, s.X, s.Y, s.TimeoutMS)
	case OpMoveToPose, OpSetPose:
		return fmt.Sprintf("%s(%.1f, %.1f, %.1fdeg)", s.Op, s.X, s.Y, s.HeadingDeg)
	case OpWait:
		return fmt.Sprintf("%s(%dms)", s.Op, s.TimeoutMS)
	}
	return s.Op
}

// DefaultRoutine carries the competition robot's constants. Fields missing
// from a routine file keep these values.
func DefaultRoutine() Routine {
	return Routine{
		Meta: RoutineMeta{Name: "default", Version: 1},
		Timing: RoutineTiming{
			OdomPeriodMS:         10,
			CalibrationAttempts:  5,
			CalibrationTimeoutMS: 3000,
			SimStepMS:            10,
		},
		Drivetrain: chassis.DefaultDrivetrainSpec(),
		Tracking: TrackingConfig{
			HorizontalDiameter: odometry.OmniOld275Half,
			HorizontalOffset:   2.398,
			MotorEncoders:      true,
			CartridgeRPM:       600,
		},
		Motion:    motion.DefaultConfig(),
		Throttle:  teleop.DefaultExpoCurveConfig(),
		Steer:     teleop.DefaultExpoCurveConfig(),
		OpControl: teleop.DefaultOpControlConfig(),
		Telemetry: TelemetryConfig{PeriodMS: 50, Topic: "chassis/pose", ClientID: "chassis-motion-core"},
		CAN: CANFrames{
			DriveCmd:     "DRIVE_CMD",
			IntakeCmd:    "INTAKE_CMD",
			IMUCmd:       "IMU_CMD",
			ClampCmd:     "CLAMP_CMD",
			OpticalCmd:   "OPTICAL_CMD",
			IMUState:     "IMU_STATE",
			RotState:     "ROTATION_STATE",
			DriveState:   "DRIVE_STATE",
			OpticalState: "OPTICAL_STATE",
			StaleMS:      100,
			OpticalLED:   100,
		},
	}
}

// LoadRoutine loads a routine from JSON file
func LoadRoutine(path string) (Routine, error) {
	f, err := os.Open(path)
	if err != nil {
		return Routine{}, fmt.Errorf("read file: %w", err)
	}
	defer f.Close()
	return ParseRoutine(f)
}

// ParseRoutine decodes a routine over the defaults and validates it.
func ParseRoutine(in io.Reader) (Routine, error) {
	r := DefaultRoutine()
	dec := json.NewDecoder(in)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return Routine{}, fmt.Errorf("unmarshal: %w", err)
	}
	for i := range r.Steps {
		r.Steps[i].Op = strings.ToLower(strings.TrimSpace(r.Steps[i].Op))
	}
	if r.Motion.HorizontalDrift == 0 {
		r.Motion.HorizontalDrift = r.Drivetrain.HorizontalDrift
	}
	if err := r.Validate(); err != nil {
		return Routine{}, err
	}
	return r, nil
}

// Validate reports every problem in the routine at once.
func (r Routine) Validate() error {
	var errs error
	if r.Timing.OdomPeriodMS <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: timing.odom_period_ms must be positive, got %d", control.ErrInvalidConfig, r.Timing.OdomPeriodMS))
	}
	if r.Timing.CalibrationAttempts <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: timing.calibration_attempts must be positive, got %d", control.ErrInvalidConfig, r.Timing.CalibrationAttempts))
	}
	if r.Timing.SimStepMS <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: timing.sim_step_ms must be positive, got %d", control.ErrInvalidConfig, r.Timing.SimStepMS))
	}
	if r.Timing.TeleopDurationS < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: timing.teleop_duration_s must not be negative", control.ErrInvalidConfig))
	}
	if r.Tracking.HorizontalDiameter <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: tracking.horizontal_diameter must be positive, got %v", control.ErrInvalidConfig, r.Tracking.HorizontalDiameter))
	}
	if r.Tracking.MotorEncoders && r.Tracking.CartridgeRPM <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: tracking.cartridge_rpm must be positive with motor_encoders", control.ErrInvalidConfig))
	}
	if r.Telemetry.PeriodMS <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: telemetry.period_ms must be positive, got %d", control.ErrInvalidConfig, r.Telemetry.PeriodMS))
	}
	errs = multierr.Append(errs, r.Drivetrain.Validate())
	errs = multierr.Append(errs, r.Motion.Validate())
	errs = multierr.Append(errs, r.Throttle.Validate())
	errs = multierr.Append(errs, r.Steer.Validate())
	errs = multierr.Append(errs, r.OpControl.Validate())

	for i, s := range r.Steps {
		if err := s.validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("step %d (%s): %w", i, s.Op, err))
		}
	}
	if errs != nil {
		return fmt.Errorf("routine %q: %w", r.Meta.Name, errs)
	}
	return nil
}

func (s Step) validate() error {
	switch s.Op {
	case OpMoveToPoint, OpMoveToPose:
		if s.TimeoutMS <= 0 {
			return fmt.Errorf("%w: timeout_ms must be positive, got %d", control.ErrInvalidConfig, s.TimeoutMS)
		}
		return s.Options().Validate()
	case OpWait:
		if s.TimeoutMS < 0 {
			return fmt.Errorf("%w: timeout_ms must not be negative, got %d", control.ErrInvalidConfig, s.TimeoutMS)
		}
	case OpSetPose:
	default:
		return fmt.Errorf("%w: unknown op %q", control.ErrInvalidConfig, s.Op)
	}
	return nil
}

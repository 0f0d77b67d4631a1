package teleop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"chassis-motion-core/closed_loop/control"
	"chassis-motion-core/closed_loop/hal"
	"chassis-motion-core/utils"
)

// ErrColorSensorTimeout means the colour sensor failed two consecutive reads.
var ErrColorSensorTimeout = errors.New("colour sensor timeout")

// RejectMode selects how the colour reject sequence runs.
type RejectMode string

const (
	// RejectBlocking reverses the intake and sleeps through the whole reject
	// inside one tick; nothing else is serviced meanwhile.
	RejectBlocking RejectMode = "blocking"
	// RejectTimed reverses the intake and keeps ticking; the intake is
	// restored on the first tick after the reject duration.
	RejectTimed RejectMode = "timed"
)

// Driver is the drivetrain surface used by the operator loop.
type Driver interface {
	Arcade(throttle, steer float64, curvature bool, turnScale float64) error
}

type OpControlConfig struct {
	PeriodMS int `json:"period_ms"`

	// Objects whose hue is within RejectHue +/- RejectHueTolerance are thrown out.
	RejectEnabled      bool       `json:"reject_enabled"`
	RejectHue          float64    `json:"reject_hue"`
	RejectHueTolerance float64    `json:"reject_hue_tolerance"`
	RejectDurationMS   int        `json:"reject_duration_ms"`
	RejectMode         RejectMode `json:"reject_mode"`

	// IdleIntakeStop stops the intake when neither intake button is held.
	// Otherwise the last command persists.
	IdleIntakeStop bool `json:"idle_intake_stop"`

	Curvature bool    `json:"curvature"`
	TurnScale float64 `json:"turn_scale"`

	IntakeButton  hal.Button `json:"-"`
	OuttakeButton hal.Button `json:"-"`
	ClampButton   hal.Button `json:"-"`
}

func DefaultOpControlConfig() OpControlConfig {
	return OpControlConfig{
		PeriodMS:           10,
		RejectEnabled:      true,
		RejectHue:          100,
		RejectHueTolerance: 2,
		RejectDurationMS:   200,
		RejectMode:         RejectBlocking,
		Curvature:          true,
		TurnScale:          0,
		IntakeButton:       hal.ButtonL2,
		OuttakeButton:      hal.ButtonL1,
		ClampButton:        hal.ButtonR2,
	}
}

func (c OpControlConfig) Period() time.Duration {
	return time.Duration(c.PeriodMS) * time.Millisecond
}

func (c OpControlConfig) RejectDuration() time.Duration {
	return time.Duration(c.RejectDurationMS) * time.Millisecond
}

func (c OpControlConfig) Validate() error {
	var errs error
	if c.PeriodMS <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("period_ms must be positive, got %d", c.PeriodMS))
	}
	if c.RejectEnabled {
		if c.RejectDurationMS <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("reject_duration_ms must be positive, got %d", c.RejectDurationMS))
		}
		if c.RejectHueTolerance < 0 {
			errs = multierr.Append(errs, fmt.Errorf("reject_hue_tolerance must not be negative, got %v", c.RejectHueTolerance))
		}
		switch RejectMode(strings.ToLower(string(c.RejectMode))) {
		case RejectBlocking, RejectTimed:
		default:
			errs = multierr.Append(errs, fmt.Errorf("reject_mode must be %q or %q, got %q", RejectBlocking, RejectTimed, c.RejectMode))
		}
	}
	if c.TurnScale < 0 || c.TurnScale > 1 {
		errs = multierr.Append(errs, fmt.Errorf("turn_scale must be in [0, 1], got %v", c.TurnScale))
	}
	if errs != nil {
		return fmt.Errorf("%w: opcontrol: %w", control.ErrInvalidConfig, errs)
	}
	return nil
}

// OpControlDevices are the actuators and inputs of the operator loop.
type OpControlDevices struct {
	Drive   Driver
	Intake  hal.MotorGroup
	Clamp   hal.DigitalOut
	Color   hal.ColorSensor
	Gamepad hal.Gamepad
}

// OpControl is the operator control loop. It owns every piece of state that
// survives between ticks.
type OpControl struct {
	cfg   OpControlConfig
	dev   OpControlDevices
	clock utils.Clock
	log   *utils.Logger

	clamp       Toggle
	rejecting   bool
	rejectUntil time.Time

	lastHue     float64
	haveHue     bool
	hueFailures int
	ticks       uint64
}

func NewOpControl(cfg OpControlConfig, dev OpControlDevices, clock utils.Clock, log *utils.Logger) (*OpControl, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.RejectMode = RejectMode(strings.ToLower(string(cfg.RejectMode)))
	if dev.Drive == nil || dev.Intake == nil || dev.Clamp == nil || dev.Gamepad == nil {
		return nil, fmt.Errorf("opcontrol: drive, intake, clamp and gamepad are required")
	}
	if cfg.RejectEnabled && dev.Color == nil {
		return nil, fmt.Errorf("opcontrol: colour reject enabled without a colour sensor")
	}
	return &OpControl{cfg: cfg, dev: dev, clock: clock, log: log.Named("opcontrol")}, nil
}

// ClampEngaged reports the latched clamp state.
func (o *OpControl) ClampEngaged() bool { return o.clamp.State() }

// Rejecting reports whether a timed reject is in progress.
func (o *OpControl) Rejecting() bool { return o.rejecting }

// Tick runs one control cycle at time now.
func (o *OpControl) Tick(now time.Time) error {
	o.ticks++
	var errs error

	if err := o.intakeStep(now); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("intake: %w", err))
	}

	throttle := o.dev.Gamepad.Axis(hal.AxisLeftY)
	steer := o.dev.Gamepad.Axis(hal.AxisRightX)
	if err := o.dev.Drive.Arcade(throttle, steer, o.cfg.Curvature, o.cfg.TurnScale); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("drive: %w", err))
	}

	if state, flipped := o.clamp.Update(o.dev.Gamepad.Button(o.cfg.ClampButton)); flipped {
		o.log.Debug("Clamp %v", state)
		if err := o.dev.Clamp.Set(state); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("clamp: %w", err))
		}
	}
	return errs
}

func (o *OpControl) intakeStep(now time.Time) error {
	if o.rejecting {
		if now.Before(o.rejectUntil) {
			return nil
		}
		o.rejecting = false
		o.log.Debug("Reject finished")
		return o.dev.Intake.Move(control.MaxOutput)
	}

	var sensorErr error
	if o.cfg.RejectEnabled {
		reject, err := o.shouldReject()
		sensorErr = err
		if reject {
			return o.reject(now)
		}
	}

	intake := o.dev.Gamepad.Button(o.cfg.IntakeButton)
	outtake := o.dev.Gamepad.Button(o.cfg.OuttakeButton)
	var moveErr error
	switch {
	case outtake:
		moveErr = o.dev.Intake.Move(-control.MaxOutput)
	case intake:
		moveErr = o.dev.Intake.Move(control.MaxOutput)
	case o.cfg.IdleIntakeStop:
		moveErr = o.dev.Intake.Move(0)
	}
	return multierr.Append(sensorErr, moveErr)
}

// reject reverses the intake, then either sleeps through the reject or
// arms the timed sub-state.
func (o *OpControl) reject(now time.Time) error {
	o.log.Debug("Rejecting object (%s)", o.cfg.RejectMode)
	if err := o.dev.Intake.Move(-control.MaxOutput); err != nil {
		return err
	}
	if o.cfg.RejectMode == RejectTimed {
		o.rejecting = true
		o.rejectUntil = now.Add(o.cfg.RejectDuration())
		return nil
	}
	o.clock.Sleep(o.cfg.RejectDuration())
	return o.dev.Intake.Move(control.MaxOutput)
}

// shouldReject reads the colour sensor. A failed read reuses the last hue
// for one tick; a second consecutive failure returns an error wrapping
// ErrColorSensorTimeout.
func (o *OpControl) shouldReject() (bool, error) {
	hue, err := o.dev.Color.Hue()
	if err != nil {
		o.hueFailures++
		if !o.haveHue || o.hueFailures > 1 {
			return false, fmt.Errorf("%w: %w", ErrColorSensorTimeout, err)
		}
		o.log.Warn("Colour sensor read failed, reusing hue %.1f: %v", o.lastHue, err)
		hue = o.lastHue
	} else {
		o.hueFailures = 0
		o.lastHue = hue
		o.haveHue = true
	}
	d := hue - o.cfg.RejectHue
	return d >= -o.cfg.RejectHueTolerance && d <= o.cfg.RejectHueTolerance, nil
}

// Run ticks the loop every period until ctx is cancelled, then stops the
// drivetrain. Actuator errors are logged and the loop keeps running.
func (o *OpControl) Run(ctx context.Context) error {
	ticker := o.clock.NewTicker(o.cfg.Period())
	defer ticker.Stop()

	o.log.Info("Operator control started: period=%s reject=%v mode=%s", o.cfg.Period(), o.cfg.RejectEnabled, o.cfg.RejectMode)
	defer func() {
		if err := o.dev.Drive.Arcade(0, 0, false, 0); err != nil {
			o.log.Error("Stopping drive failed: %v", err)
		}
		o.log.Info("Operator control stopped after %d ticks", o.ticks)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			if err := o.Tick(now); err != nil {
				o.log.Error("Tick failed: %v", err)
			}
		}
	}
}

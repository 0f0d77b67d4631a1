package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"chassis-motion-core/closed_loop/chassis"
	"chassis-motion-core/closed_loop/hal"
	"chassis-motion-core/closed_loop/motion"
	"chassis-motion-core/closed_loop/odometry"
	"chassis-motion-core/closed_loop/telemetry"
	"chassis-motion-core/closed_loop/teleop"
	"chassis-motion-core/utils"
)

type RunnerConfig struct {
	Interface   string
	MapPath     string
	RoutinePath string
	Sim         bool
	MQTTBroker  string
	GamepadPort string
	GamepadBaud int
	ClampPin    string
	SkipAuton   bool
	SkipTeleop  bool
}

// devices are the actuators and sensors one chassis is built from.
type devices struct {
	left, right hal.MotorGroup
	intake      hal.MotorGroup
	heading     hal.HeadingSensor
	horizontal  hal.RotationSensor
	color       hal.ColorSensor
	clamp       hal.DigitalOut
}

type Runner struct {
	cfg     RunnerConfig
	log     *utils.Logger
	clock   utils.Clock
	routine Routine

	bus     *hal.CANBus
	sim     *hal.Sim
	serial  *hal.SerialGamepad
	tracker *odometry.Tracker
	chassis *chassis.Chassis
	op      *teleop.OpControl
	report  *telemetry.Reporter

	phase   atomic.Value // string
	mu      sync.Mutex
	results []motion.Result
	closers []func() error
}

func NewRunner(ctx context.Context, cfg RunnerConfig, log *utils.Logger) (*Runner, error) {
	routine, err := LoadRoutine(cfg.RoutinePath)
	if err != nil {
		return nil, fmt.Errorf("load routine: %w", err)
	}
	return newRunner(ctx, cfg, routine, utils.RealClock{}, log)
}

func newRunner(ctx context.Context, cfg RunnerConfig, routine Routine, clock utils.Clock, log *utils.Logger) (*Runner, error) {
	r := &Runner{cfg: cfg, log: log, clock: clock, routine: routine}
	r.phase.Store("init")

	var (
		dev devices
		err error
	)
	if cfg.Sim {
		dev = r.simDevices()
	} else {
		dev, err = r.canDevices(ctx)
	}
	if err != nil {
		r.Close()
		return nil, err
	}
	if err := r.build(dev); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runner) simDevices() devices {
	spec := r.routine.Drivetrain
	r.sim = hal.NewSim(hal.SimConfig{
		TrackWidth:              spec.TrackWidth,
		WheelDiameter:           spec.WheelDiameter,
		RPM:                     spec.RPM,
		CartridgeRPM:            r.routine.Tracking.CartridgeRPM,
		HorizontalWheelDiameter: r.routine.Tracking.HorizontalDiameter,
		HorizontalWheelOffset:   r.routine.Tracking.HorizontalOffset,
		CalibrationPolls:        3,
	})
	r.log.Info("Using simulated chassis, step=%dms", r.routine.Timing.SimStepMS)
	return devices{
		left:       r.sim.Left(),
		right:      r.sim.Right(),
		intake:     r.sim.Intake(),
		heading:    r.sim.Heading(),
		horizontal: r.sim.Horizontal(),
		color:      r.sim.Color(),
		clamp:      r.sim.Clamp(),
	}
}

func (r *Runner) canDevices(ctx context.Context) (devices, error) {
	cmap, err := utils.LoadCANMap(r.cfg.MapPath)
	if err != nil {
		return devices{}, fmt.Errorf("load can map: %w", err)
	}
	f := r.routine.CAN
	for _, name := range []string{f.DriveCmd, f.IntakeCmd, f.IMUCmd, f.ClampCmd, f.IMUState, f.RotState, f.DriveState, f.OpticalState} {
		if _, err := cmap.FrameByName(name); err != nil {
			return devices{}, fmt.Errorf("frame: %w", err)
		}
	}

	// Create CAN writer (TX)
	writer, err := utils.NewSocketCANWriter(ctx, r.cfg.Interface)
	if err != nil {
		return devices{}, err
	}
	r.closers = append(r.closers, writer.Close)

	// Create CAN reader (RX) for sensor feedback
	reader, err := utils.NewSocketCANReader(ctx, r.cfg.Interface)
	if err != nil {
		return devices{}, err
	}
	r.closers = append(r.closers, reader.Close)

	r.bus = hal.NewCANBus(cmap, writer, reader, r.clock, hal.CANBusConfig{
		StaleAfter: time.Duration(f.StaleMS) * time.Millisecond,
	}, r.log)
	r.log.Info("CAN bus on %s: %d frames from %s", r.cfg.Interface, len(cmap.FrameNames()), r.cfg.MapPath)

	if _, err := cmap.FrameByName(f.OpticalCmd); err == nil {
		if err := r.bus.SendContext(ctx, f.OpticalCmd, map[string]float64{"led_pwm": float64(f.OpticalLED)}); err != nil {
			r.log.Warn("Optical LED setup failed: %v", err)
		}
	}

	return devices{
		left: &hal.CANMotorGroup{Bus: r.bus, CmdFrame: f.DriveCmd, CmdSignal: "left_velocity",
			PositionFrame: f.DriveState, PositionSignal: "left_position_deg"},
		right: &hal.CANMotorGroup{Bus: r.bus, CmdFrame: f.DriveCmd, CmdSignal: "right_velocity",
			PositionFrame: f.DriveState, PositionSignal: "right_position_deg"},
		intake: &hal.CANMotorGroup{Bus: r.bus, CmdFrame: f.IntakeCmd, CmdSignal: "intake_velocity"},
		heading: &hal.CANHeadingSensor{Bus: r.bus, ResetFrame: f.IMUCmd, ResetSignal: "reset",
			StateFrame: f.IMUState, RotationSignal: "rotation_deg", CalibratingSignal: "calibrating"},
		horizontal: &hal.CANRotationSensor{Bus: r.bus, Frame: f.RotState, Signal: "position_deg"},
		color:      &hal.CANColorSensor{Bus: r.bus, Frame: f.OpticalState, Signal: "hue"},
		clamp:      &hal.CANDigitalOut{Bus: r.bus, Frame: f.ClampCmd, Signal: "clamp_state"},
	}, nil
}

func (r *Runner) build(dev devices) error {
	rt := r.routine

	if r.cfg.ClampPin != "" {
		out, err := hal.OpenGPIOOut(r.cfg.ClampPin, false)
		if err != nil {
			return fmt.Errorf("clamp: %w", err)
		}
		dev.clamp = out
		r.log.Info("Clamp on GPIO %s", r.cfg.ClampPin)
	}

	horizontal, err := odometry.NewTrackingWheel(dev.horizontal, rt.Tracking.HorizontalDiameter, rt.Tracking.HorizontalOffset)
	if err != nil {
		return fmt.Errorf("horizontal wheel: %w", err)
	}
	sensors := odometry.Sensors{Heading: dev.heading, Horizontal: []*odometry.TrackingWheel{horizontal}}
	if rt.Tracking.MotorEncoders {
		half := rt.Drivetrain.TrackWidth / 2
		left, err := odometry.NewMotorGroupWheel(dev.left, rt.Drivetrain.WheelDiameter, -half, rt.Drivetrain.RPM, rt.Tracking.CartridgeRPM)
		if err != nil {
			return fmt.Errorf("left wheel: %w", err)
		}
		right, err := odometry.NewMotorGroupWheel(dev.right, rt.Drivetrain.WheelDiameter, half, rt.Drivetrain.RPM, rt.Tracking.CartridgeRPM)
		if err != nil {
			return fmt.Errorf("right wheel: %w", err)
		}
		sensors.Vertical = []*odometry.TrackingWheel{left, right}
	} else {
		r.log.Warn("No vertical tracking: odometry only sees heading and sideways travel")
	}

	cal := odometry.DefaultCalibrationConfig()
	cal.Attempts = rt.Timing.CalibrationAttempts
	if rt.Timing.CalibrationTimeoutMS > 0 {
		cal.Timeout = time.Duration(rt.Timing.CalibrationTimeoutMS) * time.Millisecond
	}
	r.tracker, err = odometry.NewTracker(sensors, r.clock, time.Duration(rt.Timing.OdomPeriodMS)*time.Millisecond, cal, r.log)
	if err != nil {
		return fmt.Errorf("odometry: %w", err)
	}

	drive := hal.Drivetrain{Left: dev.left, Right: dev.right}
	r.chassis, err = chassis.New(chassis.Config{
		Drivetrain: rt.Drivetrain,
		Motion:     rt.Motion,
		Throttle:   rt.Throttle,
		Steer:      rt.Steer,
		Mixer:      rt.Mixer,
	}, drive, r.tracker, r.clock, r.log)
	if err != nil {
		return fmt.Errorf("chassis: %w", err)
	}

	var pad hal.Gamepad = &hal.StaticGamepad{}
	if r.cfg.GamepadPort != "" {
		r.serial, err = hal.OpenSerialGamepad(r.cfg.GamepadPort, hal.GamepadPortOptions{BaudRate: r.cfg.GamepadBaud}, r.log)
		if err != nil {
			return err
		}
		r.closers = append(r.closers, r.serial.Close)
		pad = r.serial
	} else {
		r.log.Warn("No gamepad port configured; operator input stays neutral")
	}

	r.op, err = teleop.NewOpControl(rt.OpControl, teleop.OpControlDevices{
		Drive:   r.chassis,
		Intake:  dev.intake,
		Clamp:   dev.clamp,
		Color:   dev.color,
		Gamepad: pad,
	}, r.clock, r.log)
	if err != nil {
		return err
	}

	sinks := []telemetry.Sink{telemetry.LogSink{Log: r.log.Named("pose")}}
	if r.cfg.MQTTBroker != "" {
		client, err := telemetry.DialMQTT(r.cfg.MQTTBroker, rt.Telemetry.ClientID, 5*time.Second)
		if err != nil {
			return err
		}
		r.closers = append(r.closers, func() error {
			client.Disconnect(250)
			return nil
		})
		sinks = append(sinks, telemetry.NewMQTTSink(client, rt.Telemetry.Topic, time.Second))
		r.log.Info("Publishing telemetry to %s topic=%s", r.cfg.MQTTBroker, rt.Telemetry.Topic)
	}
	r.report = telemetry.NewReporter(r.sample, sinks, r.clock, time.Duration(rt.Telemetry.PeriodMS)*time.Millisecond, r.log)
	return nil
}

func (r *Runner) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.log.Warn("Close: %v", err)
		}
	}
	r.closers = nil
}

// Results returns the outcome of every motion step run so far.
func (r *Runner) Results() []motion.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]motion.Result(nil), r.results...)
}

func (r *Runner) sample() telemetry.Sample {
	p := r.chassis.Pose()
	s := telemetry.Sample{
		Pose:    p,
		Heading: p.ThetaDegrees(),
		State:   r.chassis.Motion().State().String(),
		Phase:   r.phase.Load().(string),
	}
	if cmd := r.chassis.Motion().Active(); cmd != nil {
		s.Command = cmd.ID
	}
	return s
}

// Run starts the I/O loops, calibrates, runs the autonomous steps and then
// operator control. Any background failure cancels the phases.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	ctx, stop := context.WithCancel(gctx)
	defer stop()

	if r.bus != nil {
		g.Go(func() error { return quiet(r.bus.Run(ctx)) })
	}
	if r.serial != nil {
		g.Go(func() error {
			err := r.serial.Run(ctx)
			if ctx.Err() == nil {
				r.log.Error("Gamepad link lost: %v", err)
				return fmt.Errorf("gamepad: %w", err)
			}
			return nil
		})
	}
	if r.sim != nil {
		period := time.Duration(r.routine.Timing.SimStepMS) * time.Millisecond
		ticker := r.clock.NewTicker(period)
		g.Go(func() error { return quiet(r.stepSim(ctx, ticker, period.Seconds())) })
	}

	g.Go(func() error {
		defer stop()
		return quiet(r.phases(ctx, g))
	})

	err := g.Wait()
	r.log.Info("Run finished: %d motion steps", len(r.Results()))
	return err
}

func (r *Runner) phases(ctx context.Context, g *errgroup.Group) error {
	r.phase.Store("calibrate")
	spec := r.chassis.Spec()
	r.log.Info("Calibrating: track=%.2fin wheel=%.3fin rpm=%.0f drift=%.0f", spec.TrackWidth, spec.WheelDiameter, spec.RPM, spec.HorizontalDrift)
	if err := r.chassis.Calibrate(ctx); err != nil {
		return err
	}

	g.Go(func() error { return quiet(r.tracker.Run(ctx)) })
	g.Go(func() error { return quiet(r.report.Run(ctx)) })

	if !r.cfg.SkipAuton {
		r.phase.Store("autonomous")
		if err := r.runAutonomous(ctx); err != nil {
			return fmt.Errorf("autonomous: %w", err)
		}
	}
	if !r.cfg.SkipTeleop {
		r.phase.Store("teleop")
		if err := r.runTeleop(ctx); err != nil {
			return fmt.Errorf("teleop: %w", err)
		}
	}
	r.phase.Store("done")
	if err := r.chassis.Stop(); err != nil {
		r.log.Error("Stopping drivetrain failed: %v", err)
	}
	return nil
}

func (r *Runner) stepSim(ctx context.Context, ticker utils.Ticker, dt float64) error {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			r.sim.Step(dt)
		}
	}
}

func (r *Runner) runAutonomous(ctx context.Context) error {
	steps := r.routine.Steps
	r.log.Info("Autonomous: routine=%s steps=%d", r.routine.Meta.Name, len(steps))

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.log.Info("Step %d/%d %s", i+1, len(steps), step)

		switch step.Op {
		case OpMoveToPoint, OpMoveToPose:
			// A queued async command finishes before the next one starts.
			if err := r.waitMotion(ctx); err != nil {
				return err
			}
			cmd, err := r.startMotion(ctx, step)
			if err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			if step.Async {
				continue
			}
			if err := r.collect(ctx, cmd); err != nil {
				return err
			}
		case OpWait:
			if err := r.wait(ctx, step.Timeout()); err != nil {
				return err
			}
		case OpSetPose:
			r.chassis.SetPose(step.X, step.Y, step.HeadingDeg)
		}
	}
	return r.waitMotion(ctx)
}

func (r *Runner) startMotion(ctx context.Context, step Step) (*motion.Command, error) {
	ctl := r.chassis.Motion()
	if step.Op == OpMoveToPose {
		return ctl.StartMoveToPose(ctx, step.X, step.Y, step.HeadingDeg, step.Timeout(), step.Options())
	}
	return ctl.StartMoveToPoint(ctx, step.X, step.Y, step.Timeout(), step.Options())
}

func (r *Runner) waitMotion(ctx context.Context) error {
	if cmd := r.chassis.Motion().Active(); cmd != nil {
		return r.collect(ctx, cmd)
	}
	return nil
}

func (r *Runner) collect(ctx context.Context, cmd *motion.Command) error {
	res, err := cmd.Wait(ctx)
	if err != nil {
		cmd.Cancel()
		<-cmd.Done()
		return err
	}
	r.log.Info("Step result %s, %.2fin from target", res.Outcome, res.DistanceTo(res.Target.X, res.Target.Y))
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	return nil
}

// wait blocks for d on the runner clock.
func (r *Runner) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := r.clock.NewTicker(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

func (r *Runner) runTeleop(ctx context.Context) error {
	d := time.Duration(r.routine.Timing.TeleopDurationS * float64(time.Second))
	if d <= 0 {
		return r.op.Run(ctx)
	}
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t := r.clock.NewTicker(d)
	go func() {
		defer t.Stop()
		select {
		case <-tctx.Done():
		case <-t.C():
			r.log.Info("Teleop time elapsed (%s)", d)
			cancel()
		}
	}()
	err := r.op.Run(tctx)
	if ctx.Err() == nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// quiet maps context cancellation to a clean exit.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

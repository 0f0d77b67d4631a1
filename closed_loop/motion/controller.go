package motion

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chassis-motion-core/closed_loop/control"
	"chassis-motion-core/closed_loop/odometry"
	"chassis-motion-core/utils"
)

// Localizer provides pose snapshots to the controller.
type Localizer interface {
	Pose() odometry.Pose
	Calibrated() bool
}

// Drive accepts left/right wheel commands in [-127, 127].
type Drive interface {
	Tank(left, right float64) error
}

// Controller runs at most one motion command at a time.
type Controller struct {
	cfg   Config
	loc   Localizer
	drive Drive
	clock utils.Clock
	log   *utils.Logger

	startMu sync.Mutex // serializes Start calls

	mu     sync.Mutex
	active *Command
	state  State
	last   Result
}

func NewController(cfg Config, loc Localizer, drive Drive, clock utils.Clock, log *utils.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Policy = Policy(strings.ToLower(string(cfg.Policy)))
	if cfg.Policy == "" {
		cfg.Policy = PolicyReplace
	}
	return &Controller{
		cfg:   cfg,
		loc:   loc,
		drive: drive,
		clock: clock,
		log:   log.Named("motion"),
	}, nil
}

// Command is a handle to a running or finished motion command.
type Command struct {
	ID      uuid.UUID
	Target  Target
	Options Options
	Timeout time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

// Done is closed once the command has ended and the wheels are stopped.
func (c *Command) Done() <-chan struct{} { return c.done }

// Cancel asks the command to stop. It returns immediately; use Wait to block
// until the wheels are zeroed.
func (c *Command) Cancel() { c.cancel() }

// Wait blocks until the command ends or ctx is done.
func (c *Command) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// State returns the state of the running command, or the outcome of the last
// one.
func (ctl *Controller) State() State {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.state
}

// Active returns the running command, or nil.
func (ctl *Controller) Active() *Command {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.active
}

// LastResult returns the result of the most recently finished command.
func (ctl *Controller) LastResult() Result {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.last
}

// Cancel stops the running command, if any, and waits until the wheels are
// zeroed.
func (ctl *Controller) Cancel() {
	if cmd := ctl.Active(); cmd != nil {
		cmd.Cancel()
		<-cmd.done
	}
}

// MoveToPoint drives to (x, y) and blocks until the command ends. A timeout
// is reported as a TimedOut outcome, not an error.
func (ctl *Controller) MoveToPoint(ctx context.Context, x, y float64, timeout time.Duration, opts Options) (Result, error) {
	cmd, err := ctl.StartMoveToPoint(ctx, x, y, timeout, opts)
	if err != nil {
		return Result{}, err
	}
	<-cmd.done
	return cmd.result, nil
}

// MoveToPose drives to (x, y) finishing at headingDeg and blocks until the
// command ends.
func (ctl *Controller) MoveToPose(ctx context.Context, x, y, headingDeg float64, timeout time.Duration, opts Options) (Result, error) {
	cmd, err := ctl.StartMoveToPose(ctx, x, y, headingDeg, timeout, opts)
	if err != nil {
		return Result{}, err
	}
	<-cmd.done
	return cmd.result, nil
}

func (ctl *Controller) StartMoveToPoint(ctx context.Context, x, y float64, timeout time.Duration, opts Options) (*Command, error) {
	return ctl.start(ctx, PointTarget(x, y), timeout, opts)
}

func (ctl *Controller) StartMoveToPose(ctx context.Context, x, y, headingDeg float64, timeout time.Duration, opts Options) (*Command, error) {
	return ctl.start(ctx, PoseTarget(x, y, headingDeg), timeout, opts)
}

func (ctl *Controller) start(ctx context.Context, target Target, timeout time.Duration, opts Options) (*Command, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive, got %s", control.ErrInvalidConfig, timeout)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !ctl.loc.Calibrated() {
		return nil, ErrNotCalibrated
	}

	ctl.startMu.Lock()
	defer ctl.startMu.Unlock()

	if prev := ctl.Active(); prev != nil {
		if ctl.cfg.Policy == PolicyReject {
			return nil, fmt.Errorf("%w: %s (cmd %s)", ErrCommandConflict, prev.Target, prev.ID)
		}
		ctl.log.Info("Replacing cmd %s %s", prev.ID, prev.Target)
		prev.Cancel()
		<-prev.done
	}

	st, err := ctl.newStepper(target, opts)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(ctx)
	cmd := &Command{
		ID:      uuid.New(),
		Target:  st.target,
		Options: opts,
		Timeout: timeout,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	state := DrivingToPoint
	if target.Kind == KindPose {
		state = DrivingToPose
	}
	ctl.mu.Lock()
	ctl.active = cmd
	ctl.state = state
	ctl.mu.Unlock()

	// The ticker exists before Start returns so no tick is missed.
	ticker := ctl.clock.NewTicker(ctl.cfg.Period())
	start := ctl.clock.Now()
	ctl.log.Info("Start cmd %s %s timeout=%s forwards=%v max=%.0f min=%.0f lead=%.2f",
		cmd.ID, cmd.Target, timeout, opts.Forwards, opts.MaxSpeed, opts.MinSpeed, opts.Lead)

	go ctl.run(cctx, cmd, st, ticker, start)
	return cmd, nil
}

func (ctl *Controller) newStepper(target Target, opts Options) (*stepper, error) {
	lateralCfg := ctl.cfg.Lateral
	// Lateral slew is applied by the stepper only while far from the target.
	lateralCfg.Slew = 0
	lateral, err := control.NewPIDController(lateralCfg)
	if err != nil {
		return nil, fmt.Errorf("lateral pid: %w", err)
	}
	angular, err := control.NewPIDController(ctl.cfg.Angular)
	if err != nil {
		return nil, fmt.Errorf("angular pid: %w", err)
	}

	drift := opts.HorizontalDrift
	if drift == 0 {
		drift = ctl.cfg.HorizontalDrift
	}
	if target.Kind == KindPoint {
		// Approach direction for the finish line used by early exit.
		start := ctl.loc.Pose()
		target.Theta = start.AngleTo(target.Pose())
	}
	return &stepper{
		target:   target,
		opts:     opts,
		drift:    drift,
		dt:       ctl.cfg.Period().Seconds(),
		lateral:  lateral,
		angular:  angular,
		slew:     ctl.cfg.Lateral.Slew,
		smallErr: ctl.cfg.Lateral.SmallError,
		angSmall: ctl.cfg.Angular.SmallError,
	}, nil
}

func (ctl *Controller) run(ctx context.Context, cmd *Command, st *stepper, ticker utils.Ticker, start time.Time) {
	defer ticker.Stop()
	outcome := Cancelled
	ticks := 0
	var at time.Time

loop:
	for {
		select {
		case <-ctx.Done():
			at = ctl.clock.Now()
			break loop
		case now := <-ticker.C():
			at = now
			if now.Sub(start) >= cmd.Timeout {
				outcome = TimedOut
				break loop
			}
			ticks++
			pose := ctl.loc.Pose()
			var out stepOutput
			if cmd.Target.Kind == KindPose {
				out = st.stepPose(pose)
			} else {
				out = st.stepPoint(pose)
			}
			if out.done {
				outcome = Settled
				break loop
			}
			if err := ctl.drive.Tank(out.left, out.right); err != nil {
				ctl.log.Error("cmd %s: drive: %v", cmd.ID, err)
			}
			if ticks%50 == 0 {
				d := st.lateral.GetDiagnostics()
				ctl.log.Debug("cmd %s pose=%s lateral err=%.2f out=%.1f l=%.1f r=%.1f close=%v",
					cmd.ID, pose, d.Error, d.Output, out.left, out.right, st.close)
			}
		}
	}

	if err := ctl.drive.Tank(0, 0); err != nil {
		ctl.log.Error("cmd %s: stopping drive: %v", cmd.ID, err)
	}
	cmd.cancel()

	cmd.result = Result{
		ID:       cmd.ID,
		Target:   cmd.Target,
		Outcome:  outcome,
		Pose:     ctl.loc.Pose(),
		Elapsed:  at.Sub(start),
		Ticks:    ticks,
		ExitedAt: at,
	}
	if outcome == TimedOut {
		ctl.log.Warn("Timed out %s", cmd.result)
	} else {
		ctl.log.Info("Finished %s", cmd.result)
	}

	ctl.mu.Lock()
	if ctl.active == cmd {
		ctl.active = nil
	}
	ctl.state = outcome
	ctl.last = cmd.result
	ctl.mu.Unlock()
	close(cmd.done)
}

// DistanceTo is the distance from the final pose to (x, y).
func (r Result) DistanceTo(x, y float64) float64 {
	return math.Hypot(r.Pose.X-x, r.Pose.Y-y)
}

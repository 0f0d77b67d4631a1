package control

import (
	"math"
	"time"
)

// PIDController is a discrete PID for one motion axis with sign-flip integral
// reset, windup gating, output slew limiting and a dual-band settle detector.
// An instance belongs to exactly one motion command; build a fresh one (or
// Reset) per command.
type PIDController struct {
	cfg PIDConfig

	// State
	integral    float64
	prevError   float64
	prevOutput  float64
	initialized bool

	// Exit tracking (time spent inside each band, -1 when outside)
	smallDwell time.Duration
	largeDwell time.Duration
	settled    bool
}

// NewPIDController validates cfg and returns a controller in its reset state.
func NewPIDController(cfg PIDConfig) (*PIDController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pid := &PIDController{cfg: cfg}
	pid.Reset()
	return pid, nil
}

// Reset clears the PID state
func (pid *PIDController) Reset() {
	pid.integral = 0.0
	pid.prevError = 0.0
	pid.prevOutput = 0.0
	pid.initialized = false
	pid.smallDwell = -1
	pid.largeDwell = -1
	pid.settled = false
}

// Update computes the control output for the current error and time delta
// (seconds).
func (pid *PIDController) Update(error float64, dt float64) float64 {
	// Proportional term
	p := pid.cfg.KP * error

	// Integral term: purge whenever the error sign changes (including to or
	// from zero), accumulate only inside the windup band
	if pid.initialized && Sign(error) != Sign(pid.prevError) {
		pid.integral = 0
	} else if pid.cfg.WindupRange == 0 || math.Abs(error) <= pid.cfg.WindupRange {
		pid.integral += error * dt
	}
	i := pid.cfg.KI * pid.integral

	// Derivative term, skipped on the first update to avoid a kick
	var d float64
	if pid.initialized && dt > 0 {
		d = pid.cfg.KD * (error - pid.prevError) / dt
	}

	output := Slew(p+i+d, pid.prevOutput, pid.cfg.Slew)

	pid.trackExit(error, dt)

	// Update state for next iteration
	pid.prevError = error
	pid.prevOutput = output
	pid.initialized = true

	return output
}

func (pid *PIDController) trackExit(error, dt float64) {
	step := time.Duration(math.Round(dt * float64(time.Second)))
	pid.smallDwell = dwell(pid.smallDwell, error, pid.cfg.SmallError, step)
	pid.largeDwell = dwell(pid.largeDwell, error, pid.cfg.LargeError, step)

	if pid.smallDwell >= 0 && pid.smallDwell >= pid.cfg.SmallErrorTimeout() {
		pid.settled = true
	}
	if pid.largeDwell >= 0 && pid.largeDwell >= pid.cfg.LargeErrorTimeout() {
		pid.settled = true
	}
}

// dwell returns the updated time spent inside band, or -1 once error leaves it.
// The first update inside the band starts the dwell at zero.
func dwell(current time.Duration, error, band float64, step time.Duration) time.Duration {
	if math.Abs(error) > band || band <= 0 {
		return -1
	}
	if current < 0 {
		return 0
	}
	return current + step
}

// Settled reports whether the error has stayed inside the small band for the
// small timeout or inside the large band for the large timeout. It latches
// until Reset.
func (pid *PIDController) Settled() bool {
	return pid.settled
}

// ResetSettle restarts settle detection without touching the integral or
// derivative state.
func (pid *PIDController) ResetSettle() {
	pid.smallDwell = -1
	pid.largeDwell = -1
	pid.settled = false
}

// GetDiagnostics returns current PID state for logging/debugging
func (pid *PIDController) GetDiagnostics() PIDDiagnostics {
	return PIDDiagnostics{
		Error:    pid.prevError,
		Integral: pid.integral,
		P:        pid.cfg.KP * pid.prevError,
		I:        pid.cfg.KI * pid.integral,
		Output:   pid.prevOutput,
		Settled:  pid.settled,
	}
}

// PIDDiagnostics contains PID internal state for monitoring
type PIDDiagnostics struct {
	Error    float64
	Integral float64
	P        float64
	I        float64
	Output   float64
	Settled  bool
}

// GetIntegral returns the current accumulated integral
func (pid *PIDController) GetIntegral() float64 {
	return pid.integral
}

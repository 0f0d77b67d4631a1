package odometry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"chassis-motion-core/closed_loop/hal"
	"chassis-motion-core/utils"
)

var (
	// ErrCalibration means the heading sensor never finished calibrating.
	ErrCalibration = errors.New("heading sensor calibration failed")
	// ErrSensorTimeout means a sensor failed two consecutive samples.
	ErrSensorTimeout = errors.New("odometry sensor timeout")
)

// CalibrationConfig bounds the heading sensor start-up sequence.
type CalibrationConfig struct {
	Attempts     int           `json:"attempts"`
	Timeout      time.Duration `json:"-"`
	PollPeriod   time.Duration `json:"-"`
	SettleWindow time.Duration `json:"-"`
}

func DefaultCalibrationConfig() CalibrationConfig {
	return CalibrationConfig{
		Attempts:     5,
		Timeout:      3 * time.Second,
		PollPeriod:   10 * time.Millisecond,
		SettleWindow: 100 * time.Millisecond,
	}
}

// Sensors are the odometry inputs. Horizontal and Vertical may each hold
// zero or more wheels.
type Sensors struct {
	Heading    hal.HeadingSensor
	Horizontal []*TrackingWheel
	Vertical   []*TrackingWheel
}

// Tracker samples the sensors at a fixed period and feeds the estimator.
type Tracker struct {
	sensors Sensors
	est     *Estimator
	clock   utils.Clock
	period  time.Duration
	calCfg  CalibrationConfig
	log     *utils.Logger

	bias       float64 // degrees
	calibrated atomic.Bool

	cur      Reading // filled in place by sample
	last     Reading
	haveLast bool
	failures int
}

func NewTracker(sensors Sensors, clock utils.Clock, period time.Duration, cal CalibrationConfig, log *utils.Logger) (*Tracker, error) {
	if sensors.Heading == nil {
		return nil, fmt.Errorf("odometry requires a heading sensor")
	}
	if period <= 0 {
		return nil, fmt.Errorf("odometry period must be positive, got %s", period)
	}
	if cal.Attempts <= 0 {
		cal.Attempts = 1
	}
	if cal.PollPeriod <= 0 {
		cal.PollPeriod = 10 * time.Millisecond
	}
	return &Tracker{
		sensors: sensors,
		est:     NewEstimator(offsets(sensors.Horizontal), offsets(sensors.Vertical)),
		clock:   clock,
		period:  period,
		calCfg:  cal,
		log:     log.Named("odom"),
		cur:     newReading(sensors),
		last:    newReading(sensors),
	}, nil
}

func newReading(s Sensors) Reading {
	return Reading{
		Horizontal: make([]float64, len(s.Horizontal)),
		Vertical:   make([]float64, len(s.Vertical)),
	}
}

func offsets(ws []*TrackingWheel) []float64 {
	out := make([]float64, len(ws))
	for i, w := range ws {
		out[i] = w.Offset()
	}
	return out
}

func (t *Tracker) Pose() Pose { return t.est.Pose() }

func (t *Tracker) SetPose(p Pose) { t.est.SetPose(p) }

func (t *Tracker) Calibrated() bool { return t.calibrated.Load() }

// Calibrate resets the heading sensor, waits for it to settle, measures the
// heading bias and zeroes the pose. Each attempt is bounded by the configured
// timeout; after the last failed attempt the error wraps ErrCalibration.
func (t *Tracker) Calibrate(ctx context.Context) error {
	t.calibrated.Store(false)

	var lastErr error
	for attempt := 1; attempt <= t.calCfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := t.calibrateOnce(ctx)
		if err == nil {
			t.est.Rebase()
			t.est.SetPose(Pose{})
			t.haveLast = false
			t.failures = 0
			t.calibrated.Store(true)
			t.log.Info("Calibrated on attempt %d, heading bias=%.3fdeg", attempt, t.bias)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		t.log.Warn("Calibration attempt %d/%d failed: %v", attempt, t.calCfg.Attempts, err)
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrCalibration, t.calCfg.Attempts, lastErr)
}

func (t *Tracker) calibrateOnce(ctx context.Context) error {
	if err := t.sensors.Heading.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	start := t.clock.Now()
	for {
		busy, err := t.sensors.Heading.Calibrating()
		if err == nil && !busy {
			break
		}
		if t.calCfg.Timeout > 0 && t.clock.Since(start) >= t.calCfg.Timeout {
			if err != nil {
				return fmt.Errorf("still calibrating after %s: %w", t.calCfg.Timeout, err)
			}
			return fmt.Errorf("still calibrating after %s", t.calCfg.Timeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.clock.Sleep(t.calCfg.PollPeriod)
	}

	samples := int(t.calCfg.SettleWindow / t.calCfg.PollPeriod)
	if samples < 1 {
		samples = 1
	}
	var sum float64
	for i := 0; i < samples; i++ {
		rot, err := t.sensors.Heading.Rotation()
		if err != nil {
			return fmt.Errorf("bias sample: %w", err)
		}
		if math.IsNaN(rot) || math.IsInf(rot, 0) {
			return fmt.Errorf("bias sample %d is not finite", i)
		}
		sum += rot
		if i < samples-1 {
			t.clock.Sleep(t.calCfg.PollPeriod)
		}
	}
	t.bias = sum / float64(samples)
	return nil
}

// Step samples every sensor once and updates the pose. A failed sample reuses
// the previous reading for one tick; a second consecutive failure returns an
// error wrapping ErrSensorTimeout.
func (t *Tracker) Step() (Pose, error) {
	if err := t.sample(); err != nil {
		t.failures++
		if !t.haveLast || t.failures > 1 {
			return t.est.Pose(), fmt.Errorf("%w: %w", ErrSensorTimeout, err)
		}
		t.log.Warn("Sensor read failed, reusing last reading: %v", err)
	} else {
		t.failures = 0
		copyReading(&t.last, t.cur)
		t.haveLast = true
	}
	return t.est.Update(t.last), nil
}

// sample reads every sensor into t.cur. On error t.cur is partial and
// t.last is untouched.
func (t *Tracker) sample() error {
	rot, err := t.sensors.Heading.Rotation()
	if err != nil {
		return fmt.Errorf("heading: %w", err)
	}
	t.cur.Heading = (rot - t.bias) * math.Pi / 180
	for i, w := range t.sensors.Horizontal {
		if t.cur.Horizontal[i], err = w.Distance(); err != nil {
			return fmt.Errorf("horizontal wheel %d: %w", i, err)
		}
	}
	for i, w := range t.sensors.Vertical {
		if t.cur.Vertical[i], err = w.Distance(); err != nil {
			return fmt.Errorf("vertical wheel %d: %w", i, err)
		}
	}
	return nil
}

// Run steps the tracker every period until ctx is cancelled or a sensor
// times out.
func (t *Tracker) Run(ctx context.Context) error {
	if !t.Calibrated() {
		return fmt.Errorf("odometry: %w", ErrCalibration)
	}
	ticker := t.clock.NewTicker(t.period)
	defer ticker.Stop()

	t.log.Debug("Tracking started, period=%s", t.period)
	defer t.log.Debug("Tracking stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			p, err := t.Step()
			if err != nil {
				t.log.Error("Odometry failed: %v", err)
				return err
			}
			t.log.Trace("pose %s", p)
		}
	}
}

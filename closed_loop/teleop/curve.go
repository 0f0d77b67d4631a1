// Package teleop turns operator input into drivetrain and mechanism commands.
package teleop

import (
	"fmt"
	"math"

	"go.uber.org/multierr"

	"chassis-motion-core/closed_loop/control"
)

// Curve shapes a raw joystick value in [-127, 127].
type Curve interface {
	Shape(raw float64) float64
}

// ExpoCurveConfig parameterizes an exponential drive curve.
type ExpoCurveConfig struct {
	Deadband  float64 `json:"deadband"`   // inputs at or below this magnitude produce zero
	MinOutput float64 `json:"min_output"` // smallest non-zero output magnitude
	Gain      float64 `json:"gain"`       // exponential base; 1 is linear
}

func DefaultExpoCurveConfig() ExpoCurveConfig {
	return ExpoCurveConfig{Deadband: 3, MinOutput: 10, Gain: 1.019}
}

func (c ExpoCurveConfig) Validate() error {
	var errs error
	if c.Deadband < 0 || c.Deadband >= control.MaxOutput {
		errs = multierr.Append(errs, fmt.Errorf("deadband must be in [0, 127), got %v", c.Deadband))
	}
	if c.MinOutput < 0 || c.MinOutput >= control.MaxOutput {
		errs = multierr.Append(errs, fmt.Errorf("min_output must be in [0, 127), got %v", c.MinOutput))
	}
	if c.Gain <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("gain must be positive, got %v", c.Gain))
	}
	if errs != nil {
		return fmt.Errorf("%w: drive curve: %w", control.ErrInvalidConfig, errs)
	}
	return nil
}

// ExpoCurve is zero inside the deadband, odd, starts at MinOutput just past
// the deadband and reaches full scale at full input.
type ExpoCurve struct {
	cfg  ExpoCurveConfig
	i127 float64
}

func NewExpoCurve(cfg ExpoCurveConfig) (*ExpoCurve, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g127 := control.MaxOutput - cfg.Deadband
	return &ExpoCurve{
		cfg:  cfg,
		i127: math.Pow(cfg.Gain, g127-control.MaxOutput) * g127,
	}, nil
}

func (c *ExpoCurve) Shape(raw float64) float64 {
	raw = control.ClampFloat(raw, -control.MaxOutput, control.MaxOutput)
	mag := math.Abs(raw)
	if mag <= c.cfg.Deadband {
		return 0
	}
	sign := control.Sign(raw)
	g := mag - c.cfg.Deadband
	i := math.Pow(c.cfg.Gain, g-control.MaxOutput) * g
	return (control.MaxOutput-c.cfg.MinOutput)/control.MaxOutput*(i*control.MaxOutput/c.i127)*sign + c.cfg.MinOutput*sign
}

// LinearCurve passes input through unchanged.
type LinearCurve struct{}

func (LinearCurve) Shape(raw float64) float64 {
	return control.ClampFloat(raw, -control.MaxOutput, control.MaxOutput)
}

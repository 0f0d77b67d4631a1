package control

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// PIDConfig holds the gains and exit conditions of one motion axis
// (lateral in inches, angular in degrees).
type PIDConfig struct {
	KP float64 `json:"kp"`
	KI float64 `json:"ki"`
	KD float64 `json:"kd"`

	// Integral only accumulates while |error| <= WindupRange. Zero disables the bound.
	WindupRange float64 `json:"windup_range"`

	SmallError          float64 `json:"small_error"`
	SmallErrorTimeoutMS int     `json:"small_error_timeout_ms"`
	LargeError          float64 `json:"large_error"`
	LargeErrorTimeoutMS int     `json:"large_error_timeout_ms"`

	// Maximum output change per Update. Zero disables slew limiting.
	Slew float64 `json:"slew"`
}

func (c PIDConfig) SmallErrorTimeout() time.Duration {
	return time.Duration(c.SmallErrorTimeoutMS) * time.Millisecond
}

func (c PIDConfig) LargeErrorTimeout() time.Duration {
	return time.Duration(c.LargeErrorTimeoutMS) * time.Millisecond
}

// Validate reports every invalid field at once.
func (c PIDConfig) Validate() error {
	var errs error
	if c.KP <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("kp must be positive, got %v", c.KP))
	}
	if c.KI < 0 {
		errs = multierr.Append(errs, fmt.Errorf("ki must not be negative, got %v", c.KI))
	}
	if c.KD < 0 {
		errs = multierr.Append(errs, fmt.Errorf("kd must not be negative, got %v", c.KD))
	}
	if c.WindupRange < 0 {
		errs = multierr.Append(errs, fmt.Errorf("windup_range must not be negative, got %v", c.WindupRange))
	}
	if c.SmallError < 0 || c.LargeError < 0 {
		errs = multierr.Append(errs, fmt.Errorf("error ranges must not be negative, got small=%v large=%v", c.SmallError, c.LargeError))
	}
	if c.LargeError > 0 && c.SmallError > c.LargeError {
		errs = multierr.Append(errs, fmt.Errorf("small_error %v exceeds large_error %v", c.SmallError, c.LargeError))
	}
	if c.SmallErrorTimeoutMS < 0 || c.LargeErrorTimeoutMS < 0 {
		errs = multierr.Append(errs, fmt.Errorf("error timeouts must not be negative, got small=%dms large=%dms", c.SmallErrorTimeoutMS, c.LargeErrorTimeoutMS))
	}
	if c.Slew < 0 {
		errs = multierr.Append(errs, fmt.Errorf("slew must not be negative, got %v", c.Slew))
	}
	if errs != nil {
		return fmt.Errorf("%w: pid: %w", ErrInvalidConfig, errs)
	}
	return nil
}

// DefaultLateralConfig is the tuned linear controller of the competition
// chassis. Gains are per second: kd already includes the 10ms tick.
func DefaultLateralConfig() PIDConfig {
	return PIDConfig{
		KP:                  19,
		KI:                  0,
		KD:                  0.03,
		WindupRange:         3,
		SmallError:          1,
		SmallErrorTimeoutMS: 100,
		LargeError:          3,
		LargeErrorTimeoutMS: 500,
		Slew:                20,
	}
}

// DefaultAngularConfig is the tuned turning controller (errors in degrees).
func DefaultAngularConfig() PIDConfig {
	return PIDConfig{
		KP:                  2,
		KI:                  0,
		KD:                  0.1,
		WindupRange:         3,
		SmallError:          1,
		SmallErrorTimeoutMS: 100,
		LargeError:          3,
		LargeErrorTimeoutMS: 500,
		Slew:                0,
	}
}

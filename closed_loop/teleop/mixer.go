package teleop

import (
	"math"

	"chassis-motion-core/closed_loop/control"
)

// Mixer combines throttle and steer into left/right wheel commands.
type Mixer struct {
	// Desaturate trades throttle against steer when their sum exceeds full
	// scale instead of letting the clamp eat the difference.
	Desaturate bool `json:"desaturate"`
	// DesaturateBias in [0, 1]: 0 keeps throttle, 1 keeps steer.
	DesaturateBias float64 `json:"desaturate_bias"`
}

// Mix returns (left, right) in [-127, 127]. In curvature mode turnScale
// blends steer between plain arcade (0) and steer proportional to throttle
// magnitude (1); with no throttle the steer is always applied in full so the
// chassis can turn in place.
func (m Mixer) Mix(throttle, steer float64, curvature bool, turnScale float64) (left, right float64) {
	throttle = control.ClampFloat(throttle, -control.MaxOutput, control.MaxOutput)
	steer = control.ClampFloat(steer, -control.MaxOutput, control.MaxOutput)

	if curvature && turnScale > 0 && throttle != 0 {
		turnScale = control.ClampFloat(turnScale, 0, 1)
		steer *= (1 - turnScale) + turnScale*math.Abs(throttle)/control.MaxOutput
	}

	if m.Desaturate && math.Abs(throttle)+math.Abs(steer) > control.MaxOutput {
		bias := control.ClampFloat(m.DesaturateBias, 0, 1)
		t, s := throttle, steer
		throttle = t * (1 - bias*math.Abs(s/control.MaxOutput))
		steer = s * (1 - (1-bias)*math.Abs(t/control.MaxOutput))
	}

	left = control.ClampFloat(throttle+steer, -control.MaxOutput, control.MaxOutput)
	right = control.ClampFloat(throttle-steer, -control.MaxOutput, control.MaxOutput)
	return left, right
}

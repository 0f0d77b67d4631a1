package control

import "math"

// MaxOutput is the motor and joystick full-scale value.
const MaxOutput = 127.0

// ClampFloat clamps value between min and max
func ClampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// Slew moves current toward target by at most maxChange. A non-positive
// maxChange returns target unchanged.
func Slew(target, current, maxChange float64) float64 {
	if maxChange <= 0 {
		return target
	}
	change := target - current
	if change > maxChange {
		return current + maxChange
	}
	if change < -maxChange {
		return current - maxChange
	}
	return target
}

// Sign returns -1, 0 or 1.
func Sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// AngleError returns the shortest signed rotation from current to target,
// in radians within [-pi, pi].
func AngleError(target, current float64) float64 {
	d := target - current
	return math.Atan2(math.Sin(d), math.Cos(d))
}

func DegToRad(deg float64) float64 { return deg * math.Pi / 180 }
func RadToDeg(rad float64) float64 { return rad * 180 / math.Pi }

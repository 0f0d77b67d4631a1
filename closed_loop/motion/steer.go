package motion

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"chassis-motion-core/closed_loop/control"
	"chassis-motion-core/closed_loop/odometry"
)

const (
	// Inside closeRange the controller stops steering toward the point and
	// settles on lateral error alone.
	closeRange = 7.5
	// On entering closeRange max speed drops to max(|last lateral|, closeSpeedFloor),
	// never above the command's own cap.
	closeSpeedFloor = 60.0
	gravity         = 9.8
)

// stepper holds the per-command state of one point or pose approach.
type stepper struct {
	target   Target
	opts     Options
	drift    float64
	dt       float64
	lateral  *control.PIDController
	angular  *control.PIDController
	slew     float64
	smallErr float64
	angSmall float64

	ticks          int
	close          bool
	prevLateral    float64
	prevSide       *bool
	prevSameSide   bool
	lateralSettled bool
}

// stepOutput is the result of one tick.
type stepOutput struct {
	left, right float64
	done        bool // settled, or early exit for chaining
}

// carrot returns the boomerang look-ahead point: behind the target along its
// final heading, by lead times the remaining distance.
func carrot(pose odometry.Pose, target Target, lead float64) r2.Vec {
	t := target.Pose()
	back := r2.Scale(lead*pose.DistanceTo(t), t.Forward())
	return r2.Sub(t.Vec(), back)
}

// curvature of the arc tangent to the heading at pose that passes through p.
func curvature(pose odometry.Pose, p r2.Vec) float64 {
	d := r2.Sub(p, pose.Vec())
	dist2 := r2.Norm2(d)
	if dist2 < 1e-12 {
		return 0
	}
	return 2 * math.Abs(r2.Cross(pose.Forward(), d)) / dist2
}

// pastTarget reports whether p lies beyond the line through the target
// perpendicular to the approach heading, less earlyExit.
func pastTarget(p r2.Vec, target r2.Vec, heading, earlyExit float64) bool {
	u := r2.Vec{X: math.Sin(heading), Y: math.Cos(heading)}
	return r2.Dot(r2.Sub(p, target), u)+earlyExit >= 0
}

// becomeClose switches to close mode. The speed cap can only drop.
func (s *stepper) becomeClose() {
	s.close = true
	s.opts.MaxSpeed = math.Min(math.Max(math.Abs(s.prevLateral), closeSpeedFloor), s.opts.MaxSpeed)
}

// stepPoint is one tick of a point approach.
func (s *stepper) stepPoint(pose odometry.Pose) stepOutput {
	s.ticks++
	t := s.target.Pose()
	dist := pose.DistanceTo(t)

	if s.ticks == 1 && dist < s.smallErr {
		return stepOutput{done: true}
	}
	if !s.close && dist < closeRange {
		s.becomeClose()
	}

	// Chaining: leave as soon as the robot crosses the finish line.
	approach := s.target.Theta
	side := pastTarget(pose.Vec(), t.Vec(), approach, s.opts.EarlyExitRange)
	if s.prevSide != nil && side != *s.prevSide && s.opts.MinSpeed != 0 {
		return stepOutput{done: true}
	}
	s.prevSide = &side

	robotTheta := pose.Theta
	if !s.opts.Forwards {
		robotTheta += math.Pi
	}
	angleTo := pose.AngleTo(t)
	angularErr := 0.0
	if !s.close {
		angularErr = control.AngleError(angleTo, robotTheta)
	}
	lateralErr := dist * math.Cos(control.AngleError(angleTo, pose.Theta))

	lateralOut := s.lateral.Update(lateralErr, s.dt)
	angularOut := s.angular.Update(control.RadToDeg(angularErr), s.dt)
	if s.lateral.Settled() {
		s.lateralSettled = true
	}

	angularOut = control.ClampFloat(angularOut, -s.opts.MaxSpeed, s.opts.MaxSpeed)
	lateralOut = control.ClampFloat(lateralOut, -s.opts.MaxSpeed, s.opts.MaxSpeed)
	if !s.close {
		lateralOut = control.Slew(lateralOut, s.prevLateral, s.slew)
	}
	lateralOut = s.restrictDirection(lateralOut)

	s.prevLateral = lateralOut
	left, right := s.ratio(lateralOut, angularOut)
	return stepOutput{left: left, right: right, done: s.lateralSettled && s.close}
}

// stepPose is one tick of a boomerang pose approach.
func (s *stepper) stepPose(pose odometry.Pose) stepOutput {
	s.ticks++
	t := s.target.Pose()
	dist := pose.DistanceTo(t)

	// Reverse approaches flip both the robot heading and the target heading
	// so the pair points along the direction of travel.
	robotTheta := pose.Theta
	heading := t.Theta
	if !s.opts.Forwards {
		robotTheta += math.Pi
		heading += math.Pi
	}

	if s.ticks == 1 && dist < s.smallErr &&
		math.Abs(control.RadToDeg(control.AngleError(heading, robotTheta))) < s.angSmall {
		return stepOutput{done: true}
	}
	if !s.close && dist < closeRange {
		s.becomeClose()
		// The angular loop switches from the carrot to the final heading.
		s.angular.ResetSettle()
	}
	if s.lateral.Settled() {
		s.lateralSettled = true
	}

	c := carrot(pose, Target{Kind: KindPose, X: t.X, Y: t.Y, Theta: heading}, s.opts.Lead)
	if s.close {
		c = t.Vec()
	}

	robotSide := pastTarget(pose.Vec(), t.Vec(), heading, s.opts.EarlyExitRange)
	carrotSide := pastTarget(c, t.Vec(), heading, s.opts.EarlyExitRange)
	sameSide := robotSide == carrotSide
	if !sameSide && s.prevSameSide && s.close && s.opts.MinSpeed != 0 {
		return stepOutput{done: true}
	}
	s.prevSameSide = sameSide

	carrotPose := odometry.Pose{X: c.X, Y: c.Y}
	angleToCarrot := pose.AngleTo(carrotPose)
	var angularErr float64
	if s.close {
		angularErr = control.AngleError(heading, robotTheta)
	} else {
		angularErr = control.AngleError(angleToCarrot, robotTheta)
	}

	lateralErr := pose.DistanceTo(carrotPose)
	cosErr := math.Cos(control.AngleError(angleToCarrot, pose.Theta))
	if s.close {
		lateralErr *= cosErr
	} else {
		lateralErr *= control.Sign(cosErr)
	}

	lateralOut := s.lateral.Update(lateralErr, s.dt)
	angularOut := s.angular.Update(control.RadToDeg(angularErr), s.dt)

	angularOut = control.ClampFloat(angularOut, -s.opts.MaxSpeed, s.opts.MaxSpeed)
	lateralOut = control.ClampFloat(lateralOut, -s.opts.MaxSpeed, s.opts.MaxSpeed)
	if !s.close {
		lateralOut = control.Slew(lateralOut, s.prevLateral, s.slew)
	}

	// Cap speed to what the arc allows without the wheels slipping sideways.
	if k := curvature(pose, c); k > 0 {
		maxSlip := math.Sqrt(s.drift * (1 / k) * gravity)
		lateralOut = control.ClampFloat(lateralOut, -maxSlip, maxSlip)
	}

	// Angular output has priority over lateral.
	if overturn := math.Abs(angularOut) + math.Abs(lateralOut) - s.opts.MaxSpeed; overturn > 0 {
		if lateralOut > 0 {
			lateralOut -= overturn
		} else {
			lateralOut += overturn
		}
	}
	lateralOut = s.restrictDirection(lateralOut)

	s.prevLateral = lateralOut
	left, right := s.ratio(lateralOut, angularOut)
	done := s.close && s.lateralSettled && s.angular.Settled()
	return stepOutput{left: left, right: right, done: done}
}

// restrictDirection blocks reversing while far away and applies the minimum
// speed floor.
func (s *stepper) restrictDirection(lateral float64) float64 {
	if !s.close {
		if s.opts.Forwards {
			lateral = math.Max(lateral, 0)
		} else {
			lateral = math.Min(lateral, 0)
		}
	}
	minSpeed := math.Abs(s.opts.MinSpeed)
	if s.opts.Forwards && lateral > 0 && lateral < minSpeed {
		lateral = minSpeed
	}
	if !s.opts.Forwards && lateral < 0 && -lateral < minSpeed {
		lateral = -minSpeed
	}
	return lateral
}

// ratio mixes lateral and angular outputs, scaling both sides down together
// so neither exceeds max speed.
func (s *stepper) ratio(lateral, angular float64) (left, right float64) {
	left = lateral + angular
	right = lateral - angular
	if r := math.Max(math.Abs(left), math.Abs(right)) / s.opts.MaxSpeed; r > 1 {
		left /= r
		right /= r
	}
	return left, right
}

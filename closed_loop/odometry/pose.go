// Package odometry estimates the chassis pose from tracking wheels and an
// inertial heading sensor.
package odometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Pose is a field position in inches and a heading in radians. Heading 0
// points along +Y and grows clockwise.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

func (p Pose) Vec() r2.Vec {
	return r2.Vec{X: p.X, Y: p.Y}
}

// DistanceTo returns the straight-line distance between the two positions.
func (p Pose) DistanceTo(o Pose) float64 {
	return r2.Norm(r2.Sub(o.Vec(), p.Vec()))
}

// AngleTo returns the heading that points from p toward o.
func (p Pose) AngleTo(o Pose) float64 {
	d := r2.Sub(o.Vec(), p.Vec())
	return math.Atan2(d.X, d.Y)
}

// Forward returns the unit vector the heading points along.
func (p Pose) Forward() r2.Vec {
	return r2.Vec{X: math.Sin(p.Theta), Y: math.Cos(p.Theta)}
}

func (p Pose) ThetaDegrees() float64 {
	return p.Theta * 180 / math.Pi
}

func (p Pose) String() string {
	return fmt.Sprintf("(x=%.2f y=%.2f theta=%.2fdeg)", p.X, p.Y, p.ThetaDegrees())
}

package odometry

import (
	"math"
	"sync"
)

// Reading is one synchronized sample of every odometry sensor.
type Reading struct {
	// Heading is the sensor rotation in radians, clockwise positive, bias removed.
	Heading float64
	// Cumulative inches per wheel, in the order the wheels were registered.
	Horizontal []float64
	Vertical   []float64
}

// Estimator integrates readings into a pose. It does no I/O; Tracker feeds it.
// Pose snapshots are safe to take from any goroutine.
type Estimator struct {
	horizontalOffsets []float64
	verticalOffsets   []float64

	mu          sync.RWMutex
	pose        Pose
	prev        Reading
	primed      bool
	headingBase float64 // pose.Theta - raw heading

	// scratch for per-tick wheel deltas
	dh, dv []float64
}

func NewEstimator(horizontalOffsets, verticalOffsets []float64) *Estimator {
	nh, nv := len(horizontalOffsets), len(verticalOffsets)
	return &Estimator{
		horizontalOffsets: append([]float64(nil), horizontalOffsets...),
		verticalOffsets:   append([]float64(nil), verticalOffsets...),
		prev:              Reading{Horizontal: make([]float64, 0, nh), Vertical: make([]float64, 0, nv)},
		dh:                make([]float64, 0, nh),
		dv:                make([]float64, 0, nv),
	}
}

// Pose returns a snapshot of the current estimate.
func (e *Estimator) Pose() Pose {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pose
}

// SetPose overwrites the estimate. Subsequent headings are measured relative
// to the heading set here.
func (e *Estimator) SetPose(p Pose) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pose = p
	if e.primed {
		e.headingBase = p.Theta - e.prev.Heading
	} else {
		e.headingBase = p.Theta
	}
}

// Rebase forgets the previous reading so the next Update only primes the
// wheel baselines. Used after the sensors themselves were reset.
func (e *Estimator) Rebase() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.primed = false
	e.headingBase = e.pose.Theta
}

// Update integrates one reading and returns the new pose. The first reading
// after construction or Rebase only sets the baseline.
func (e *Estimator) Update(r Reading) Pose {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.primed {
		copyReading(&e.prev, r)
		e.primed = true
		e.headingBase = e.pose.Theta - r.Heading
		return e.pose
	}

	dTheta := r.Heading - e.prev.Heading
	e.dh = deltas(e.dh, r.Horizontal, e.prev.Horizontal)
	e.dv = deltas(e.dv, r.Vertical, e.prev.Vertical)
	localX := arcCorrected(e.dh, e.horizontalOffsets, dTheta, -1)
	localY := arcCorrected(e.dv, e.verticalOffsets, dTheta, 1)

	avg := e.pose.Theta + dTheta/2
	sin, cos := math.Sin(avg), math.Cos(avg)
	e.pose.X += localY*sin + localX*cos
	e.pose.Y += localY*cos - localX*sin
	e.pose.Theta = r.Heading + e.headingBase

	copyReading(&e.prev, r)
	return e.pose
}

// arcCorrected converts wheel deltas into the chord travelled by the
// tracking centre, averaged over every wheel on the axis. A wheel at offset
// d sweeps d*dTheta during a pure rotation; sign selects which direction of
// rotation adds to the wheel reading.
func arcCorrected(ds, offsets []float64, dTheta, sign float64) float64 {
	if len(ds) == 0 {
		return 0
	}
	var sum float64
	for i, d := range ds {
		off := 0.0
		if i < len(offsets) {
			off = offsets[i]
		}
		if math.Abs(dTheta) < 1e-9 {
			sum += d
			continue
		}
		sum += 2 * math.Sin(dTheta/2) * (d/dTheta + sign*off)
	}
	return sum / float64(len(ds))
}

// deltas writes cur-prev into dst, reusing its capacity.
func deltas(dst, cur, prev []float64) []float64 {
	n := min(len(cur), len(prev))
	dst = dst[:0]
	for i := 0; i < n; i++ {
		dst = append(dst, cur[i]-prev[i])
	}
	return dst
}

// copyReading copies src into dst, reusing dst's slices.
func copyReading(dst *Reading, src Reading) {
	dst.Heading = src.Heading
	dst.Horizontal = append(dst.Horizontal[:0], src.Horizontal...)
	dst.Vertical = append(dst.Vertical[:0], src.Vertical...)
}

package odometry

import (
	"fmt"
	"math"

	"chassis-motion-core/closed_loop/hal"
)

// Omniwheel diameters in inches, measured under load.
const (
	OmniNew2       = 2.125
	OmniNew275     = 2.75
	OmniOld275     = 2.75
	OmniNew275Half = 2.744
	OmniOld275Half = 2.74
	OmniNew325     = 3.25
	OmniOld325     = 3.25
	OmniNew325Half = 3.246
	OmniOld325Half = 3.246
	OmniNew4       = 4.0
	OmniOld4       = 4.18
	OmniNew4Half   = 3.995
	OmniOld4Half   = 4.175
)

// Encoder is anything reporting cumulative shaft degrees: a rotation sensor
// on a tracking wheel or the integrated encoders of a motor group.
type Encoder interface {
	Position() (float64, error)
}

// TrackingWheel converts encoder degrees into inches of travel.
//
// Offset is the signed distance from the tracking centre, perpendicular to
// the direction the wheel rolls: for a vertical wheel positive is to the
// right, for a horizontal wheel positive is forward.
type TrackingWheel struct {
	enc      Encoder
	diameter float64
	offset   float64
	ratio    float64
}

// NewTrackingWheel builds a free-spinning wheel with the encoder on its axle.
func NewTrackingWheel(enc hal.RotationSensor, diameter, offset float64) (*TrackingWheel, error) {
	return newWheel(enc, diameter, offset, 1)
}

// NewMotorGroupWheel uses a drive side as a vertical tracking wheel. rpm is
// the wheel speed at full command and cartridgeRPM the motor shaft speed.
func NewMotorGroupWheel(mg hal.MotorGroup, diameter, offset, rpm, cartridgeRPM float64) (*TrackingWheel, error) {
	if rpm <= 0 || cartridgeRPM <= 0 {
		return nil, fmt.Errorf("motor group wheel: rpm %v and cartridge rpm %v must be positive", rpm, cartridgeRPM)
	}
	return newWheel(mg, diameter, offset, rpm/cartridgeRPM)
}

func newWheel(enc Encoder, diameter, offset, ratio float64) (*TrackingWheel, error) {
	if enc == nil {
		return nil, fmt.Errorf("tracking wheel has no encoder")
	}
	if diameter <= 0 {
		return nil, fmt.Errorf("tracking wheel diameter must be positive, got %v", diameter)
	}
	return &TrackingWheel{enc: enc, diameter: diameter, offset: offset, ratio: ratio}, nil
}

// Distance returns inches travelled since the encoder was zeroed.
func (w *TrackingWheel) Distance() (float64, error) {
	deg, err := w.enc.Position()
	if err != nil {
		return 0, err
	}
	return deg / 360 * math.Pi * w.diameter * w.ratio, nil
}

func (w *TrackingWheel) Offset() float64   { return w.offset }
func (w *TrackingWheel) Diameter() float64 { return w.diameter }

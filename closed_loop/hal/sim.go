package hal

import (
	"context"
	"math"
	"sync"
)

// SimConfig describes the simulated differential chassis.
type SimConfig struct {
	TrackWidth    float64 // inches between left and right wheels
	WheelDiameter float64 // drive wheel diameter, inches
	RPM           float64 // drive wheel rpm at full command
	CartridgeRPM  float64 // motor shaft rpm at full command

	HorizontalWheelDiameter float64
	HorizontalWheelOffset   float64 // forward of the tracking centre, inches

	// CalibrationPolls is how many Calibrating() polls report true after Reset.
	CalibrationPolls int
}

// Sim integrates a kinematic differential drive and exposes it through the
// same device interfaces as the real chassis.
type Sim struct {
	cfg SimConfig

	mu          sync.Mutex
	x, y, theta float64
	left, right float64
	intake      float64
	leftDeg     float64
	rightDeg    float64
	horizDeg    float64
	headingBias float64
	calibrating int
	hue         float64
	clamp       bool
	sensorFault error
}

func NewSim(cfg SimConfig) *Sim {
	if cfg.CartridgeRPM <= 0 {
		cfg.CartridgeRPM = 600
	}
	if cfg.RPM <= 0 {
		cfg.RPM = cfg.CartridgeRPM
	}
	return &Sim{cfg: cfg}
}

// Step advances the simulation by dt seconds at the current wheel commands.
func (s *Sim) Step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vmax := s.cfg.RPM / 60 * math.Pi * s.cfg.WheelDiameter
	dl := s.left / 127 * vmax * dt
	dr := s.right / 127 * vmax * dt

	ds := (dl + dr) / 2
	dTheta := 0.0
	if s.cfg.TrackWidth > 0 {
		dTheta = (dl - dr) / s.cfg.TrackWidth
	}
	avg := s.theta + dTheta/2
	s.x += ds * math.Sin(avg)
	s.y += ds * math.Cos(avg)
	s.theta += dTheta

	gear := s.cfg.CartridgeRPM / s.cfg.RPM
	s.leftDeg += dl / (math.Pi * s.cfg.WheelDiameter) * 360 * gear
	s.rightDeg += dr / (math.Pi * s.cfg.WheelDiameter) * 360 * gear
	if s.cfg.HorizontalWheelDiameter > 0 {
		lateral := s.cfg.HorizontalWheelOffset * dTheta
		s.horizDeg += lateral / (math.Pi * s.cfg.HorizontalWheelDiameter) * 360
	}
}

// TruePose returns the simulated ground truth (heading in radians).
func (s *Sim) TruePose() (x, y, theta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y, s.theta
}

// SetTruePose teleports the chassis without touching the encoders.
func (s *Sim) SetTruePose(x, y, theta float64) {
	s.mu.Lock()
	s.x, s.y, s.theta = x, y, theta
	s.mu.Unlock()
}

// Commands returns the last left/right drive commands.
func (s *Sim) Commands() (left, right float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left, s.right
}

func (s *Sim) IntakeCommand() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intake
}

func (s *Sim) ClampState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clamp
}

func (s *Sim) SetHue(h float64) {
	s.mu.Lock()
	s.hue = h
	s.mu.Unlock()
}

// SetHeadingBias offsets every heading reading, as a drifting sensor would.
func (s *Sim) SetHeadingBias(deg float64) {
	s.mu.Lock()
	s.headingBias = deg
	s.mu.Unlock()
}

// SetSensorFault makes every odometry sensor read fail with err until
// cleared with nil.
func (s *Sim) SetSensorFault(err error) {
	s.mu.Lock()
	s.sensorFault = err
	s.mu.Unlock()
}

func (s *Sim) Left() MotorGroup           { return simMotor{s, &s.left, &s.leftDeg} }
func (s *Sim) Right() MotorGroup          { return simMotor{s, &s.right, &s.rightDeg} }
func (s *Sim) Intake() MotorGroup         { return simMotor{s, &s.intake, nil} }
func (s *Sim) Heading() HeadingSensor     { return simHeading{s} }
func (s *Sim) Horizontal() RotationSensor { return simRotation{s} }
func (s *Sim) Color() ColorSensor         { return simColor{s} }
func (s *Sim) Clamp() DigitalOut          { return simClamp{s} }
func (s *Sim) Drivetrain() Drivetrain     { return Drivetrain{Left: s.Left(), Right: s.Right()} }

type simMotor struct {
	s   *Sim
	cmd *float64
	deg *float64
}

func (m simMotor) Move(v float64) error {
	m.s.mu.Lock()
	*m.cmd = math.Max(-127, math.Min(127, v))
	m.s.mu.Unlock()
	return nil
}

func (m simMotor) Position() (float64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.sensorFault != nil {
		return 0, m.s.sensorFault
	}
	if m.deg == nil {
		return 0, nil
	}
	return *m.deg, nil
}

type simHeading struct{ s *Sim }

func (h simHeading) Reset(context.Context) error {
	h.s.mu.Lock()
	h.s.calibrating = h.s.cfg.CalibrationPolls
	h.s.mu.Unlock()
	return nil
}

func (h simHeading) Calibrating() (bool, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.s.calibrating > 0 {
		h.s.calibrating--
		return true, nil
	}
	return false, nil
}

func (h simHeading) Rotation() (float64, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.s.sensorFault != nil {
		return 0, h.s.sensorFault
	}
	return h.s.theta*180/math.Pi + h.s.headingBias, nil
}

type simRotation struct{ s *Sim }

func (r simRotation) Position() (float64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.sensorFault != nil {
		return 0, r.s.sensorFault
	}
	return r.s.horizDeg, nil
}

type simColor struct{ s *Sim }

func (c simColor) Hue() (float64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.hue, nil
}

type simClamp struct{ s *Sim }

func (c simClamp) Set(on bool) error {
	c.s.mu.Lock()
	c.s.clamp = on
	c.s.mu.Unlock()
	return nil
}

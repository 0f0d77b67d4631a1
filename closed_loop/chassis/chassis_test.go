package chassis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chassis-motion-core/closed_loop/control"
	"chassis-motion-core/closed_loop/hal"
	"chassis-motion-core/closed_loop/motion"
	"chassis-motion-core/closed_loop/odometry"
	"chassis-motion-core/closed_loop/teleop"
	"chassis-motion-core/utils"
)

type recordingDrive struct {
	mu    sync.Mutex
	calls [][2]float64
}

func (d *recordingDrive) Tank(left, right float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, [2]float64{left, right})
	return nil
}

func (d *recordingDrive) last() [2]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[len(d.calls)-1]
}

type staticOdom struct {
	mu   sync.Mutex
	pose odometry.Pose
}

func (o *staticOdom) Pose() odometry.Pose {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pose
}

func (o *staticOdom) SetPose(p odometry.Pose) {
	o.mu.Lock()
	o.pose = p
	o.mu.Unlock()
}

func (o *staticOdom) Calibrated() bool                { return true }
func (o *staticOdom) Calibrate(context.Context) error { return nil }

func linearConfig() Config {
	cfg := DefaultConfig()
	cfg.Throttle = teleop.ExpoCurveConfig{Gain: 1}
	cfg.Steer = teleop.ExpoCurveConfig{Gain: 1}
	return cfg
}

func TestDrivetrainSpec_Validate(t *testing.T) {
	require.NoError(t, DefaultDrivetrainSpec().Validate())

	err := DrivetrainSpec{TrackWidth: -1}.Validate()
	require.ErrorIs(t, err, control.ErrInvalidConfig)
	for _, field := range []string{"track_width", "wheel_diameter", "rpm", "horizontal_drift"} {
		assert.Contains(t, err.Error(), field)
	}

	_, err = New(Config{Drivetrain: DrivetrainSpec{}}, &recordingDrive{}, &staticOdom{}, utils.RealClock{}, utils.NopLogger())
	assert.ErrorIs(t, err, control.ErrInvalidConfig)
}

func TestArcade_MixesShapedSticks(t *testing.T) {
	drive := &recordingDrive{}
	c, err := New(linearConfig(), drive, &staticOdom{}, utils.NewManualClock(time.Unix(0, 0)), utils.NopLogger())
	require.NoError(t, err)

	cases := []struct {
		throttle, steer float64
		want            [2]float64
	}{
		{100, 0, [2]float64{100, 100}},
		{0, 100, [2]float64{100, -100}},
		{0, 0, [2]float64{0, 0}},
	}
	for _, tc := range cases {
		require.NoError(t, c.Arcade(tc.throttle, tc.steer, true, 0))
		assert.Equal(t, tc.want, drive.last(), "throttle=%v steer=%v", tc.throttle, tc.steer)
	}
}

func TestArcade_DefaultCurveDeadband(t *testing.T) {
	drive := &recordingDrive{}
	c, err := New(DefaultConfig(), drive, &staticOdom{}, utils.NewManualClock(time.Unix(0, 0)), utils.NopLogger())
	require.NoError(t, err)

	require.NoError(t, c.Arcade(2, -2, false, 0))
	assert.Equal(t, [2]float64{0, 0}, drive.last())

	require.NoError(t, c.Arcade(127, 0, false, 0))
	got := drive.last()
	assert.InDelta(t, 127, got[0], 1e-9)
	assert.InDelta(t, 127, got[1], 1e-9)
}

func TestArcade_RefusedWhileMotionRuns(t *testing.T) {
	drive := &recordingDrive{}
	c, err := New(linearConfig(), drive, &staticOdom{}, utils.NewManualClock(time.Unix(0, 0)), utils.NopLogger())
	require.NoError(t, err)

	_, err = c.Motion().StartMoveToPoint(context.Background(), 0, 24, time.Second, motion.DefaultOptions())
	require.NoError(t, err)
	assert.ErrorIs(t, c.Arcade(50, 0, true, 0), motion.ErrCommandConflict)

	c.Cancel()
	assert.Equal(t, [2]float64{0, 0}, drive.last())
	require.NoError(t, c.Arcade(50, 0, true, 0))
	assert.Equal(t, [2]float64{50, 50}, drive.last())
}

func TestStop_CancelsMotionAndZeroesWheels(t *testing.T) {
	drive := &recordingDrive{}
	c, err := New(linearConfig(), drive, &staticOdom{}, utils.NewManualClock(time.Unix(0, 0)), utils.NopLogger())
	require.NoError(t, err)

	require.NoError(t, c.Arcade(80, 0, true, 0))
	cmd, err := c.Motion().StartMoveToPoint(context.Background(), 0, 24, time.Second, motion.DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, c.Stop())
	assert.Nil(t, c.Motion().Active())
	assert.Equal(t, motion.Cancelled, c.Motion().LastResult().Outcome)
	assert.Equal(t, cmd.ID, c.Motion().LastResult().ID)
	assert.Equal(t, [2]float64{0, 0}, drive.last())
}

func TestSetPose_Degrees(t *testing.T) {
	odom := &staticOdom{}
	c, err := New(DefaultConfig(), &recordingDrive{}, odom, utils.NewManualClock(time.Unix(0, 0)), utils.NopLogger())
	require.NoError(t, err)

	c.SetPose(3, 4, 90)
	p := c.Pose()
	assert.Equal(t, 3.0, p.X)
	assert.Equal(t, 4.0, p.Y)
	assert.InDelta(t, 90, p.ThetaDegrees(), 1e-9)
}

// trackedSim steps the simulated chassis and the odometry tracker once per
// wheel command, so the motion controller closes the loop on real odometry.
type trackedSim struct {
	sim     *hal.Sim
	tracker *odometry.Tracker
	dt      float64
}

func (s *trackedSim) Tank(left, right float64) error {
	if err := s.sim.Drivetrain().Tank(left, right); err != nil {
		return err
	}
	s.sim.Step(s.dt)
	_, err := s.tracker.Step()
	return err
}

func newTrackedSim(t *testing.T, clk utils.Clock) *trackedSim {
	t.Helper()
	spec := DefaultDrivetrainSpec()
	sim := hal.NewSim(hal.SimConfig{
		TrackWidth:              spec.TrackWidth,
		WheelDiameter:           spec.WheelDiameter,
		RPM:                     spec.RPM,
		HorizontalWheelDiameter: odometry.OmniOld275Half,
		HorizontalWheelOffset:   2.398,
		CalibrationPolls:        3,
	})

	horizontal, err := odometry.NewTrackingWheel(sim.Horizontal(), odometry.OmniOld275Half, 2.398)
	require.NoError(t, err)
	left, err := odometry.NewMotorGroupWheel(sim.Left(), spec.WheelDiameter, -spec.TrackWidth/2, spec.RPM, 600)
	require.NoError(t, err)
	right, err := odometry.NewMotorGroupWheel(sim.Right(), spec.WheelDiameter, spec.TrackWidth/2, spec.RPM, 600)
	require.NoError(t, err)

	tracker, err := odometry.NewTracker(odometry.Sensors{
		Heading:    sim.Heading(),
		Horizontal: []*odometry.TrackingWheel{horizontal},
		Vertical:   []*odometry.TrackingWheel{left, right},
	}, clk, 10*time.Millisecond, odometry.DefaultCalibrationConfig(), utils.NopLogger())
	require.NoError(t, err)
	return &trackedSim{sim: sim, tracker: tracker, dt: 0.01}
}

func TestChassis_CalibrateThenDriveOnOdometry(t *testing.T) {
	clk := utils.NewManualClock(time.Unix(0, 0))
	ts := newTrackedSim(t, clk)
	ts.sim.SetHeadingBias(7)

	c, err := New(DefaultConfig(), ts, ts.tracker, clk, utils.NopLogger())
	require.NoError(t, err)

	_, err = c.MoveToPoint(context.Background(), 0, 24, time.Second, motion.DefaultOptions())
	require.ErrorIs(t, err, motion.ErrNotCalibrated)

	require.NoError(t, c.Calibrate(context.Background()))
	assert.Equal(t, odometry.Pose{}, c.Pose())
	_, err = ts.tracker.Step()
	require.NoError(t, err)

	cmd, err := c.Motion().StartMoveToPoint(context.Background(), 0, 24, 3*time.Second, motion.DefaultOptions())
	require.NoError(t, err)
	for i := 0; i < 400; i++ {
		select {
		case <-cmd.Done():
		default:
			clk.Advance(10 * time.Millisecond)
			continue
		}
		break
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := cmd.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, motion.Settled, res.Outcome)
	assert.Less(t, res.Pose.DistanceTo(odometry.Pose{Y: 24}), 2.5, "pose %s", res.Pose)

	x, y, theta := ts.sim.TruePose()
	p := c.Pose()
	assert.InDelta(t, x, p.X, 0.05)
	assert.InDelta(t, y, p.Y, 0.05)
	assert.InDelta(t, theta, p.Theta, 1e-6)
}

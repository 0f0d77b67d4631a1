package hal

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"chassis-motion-core/utils"
)

type recordingWriter struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (w *recordingWriter) WriteFrame(_ context.Context, f can.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, f)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) last() can.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames[len(w.frames)-1]
}

type chanReader struct {
	frames chan can.Frame
}

func (r *chanReader) ReadFrame(ctx context.Context) (can.Frame, error) {
	select {
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case f := <-r.frames:
		return f, nil
	}
}

func (r *chanReader) Close() error { return nil }

func newTestBus(t *testing.T) (*CANBus, *recordingWriter, *utils.ManualClock) {
	t.Helper()
	cmap, err := utils.LoadCANMap("../../config/can/can_map.csv")
	require.NoError(t, err)
	w := &recordingWriter{}
	clk := utils.NewManualClock(time.Unix(0, 0))
	bus := NewCANBus(cmap, w, &chanReader{frames: make(chan can.Frame)}, clk, CANBusConfig{StaleAfter: 50 * time.Millisecond}, utils.NopLogger())
	return bus, w, clk
}

func TestCANBus_SharedFrameKeepsOtherSide(t *testing.T) {
	bus, w, _ := newTestBus(t)
	left := &CANMotorGroup{Bus: bus, CmdFrame: "DRIVE_CMD", CmdSignal: "left_velocity"}
	right := &CANMotorGroup{Bus: bus, CmdFrame: "DRIVE_CMD", CmdSignal: "right_velocity"}

	require.NoError(t, left.Move(100))
	require.NoError(t, right.Move(-50))

	values, err := bus.cmap.DecodeFrame(w.last())
	require.NoError(t, err)
	assert.InDelta(t, 100, values["left_velocity"], 0.01)
	assert.InDelta(t, -50, values["right_velocity"], 0.01)
}

func TestCANBus_SignalStaleness(t *testing.T) {
	bus, _, clk := newTestBus(t)
	rot := &CANRotationSensor{Bus: bus, Frame: "ROTATION_STATE", Signal: "position_deg"}

	_, err := rot.Position()
	assert.ErrorIs(t, err, ErrStale)

	f, err := bus.cmap.EncodeFrame("ROTATION_STATE", map[string]float64{"position_deg": 123.45})
	require.NoError(t, err)
	require.NoError(t, bus.Ingest(f))

	v, err := rot.Position()
	require.NoError(t, err)
	assert.InDelta(t, 123.45, v, 0.01)

	clk.Advance(60 * time.Millisecond)
	_, err = rot.Position()
	assert.ErrorIs(t, err, ErrStale)
}

func TestCANBus_RejectsTXFrameOnIngest(t *testing.T) {
	bus, _, _ := newTestBus(t)
	f, err := bus.cmap.EncodeFrame("DRIVE_CMD", nil)
	require.NoError(t, err)
	assert.Error(t, bus.Ingest(f))
}

func TestCANBus_RunCachesFrames(t *testing.T) {
	cmap, err := utils.LoadCANMap("../../config/can/can_map.csv")
	require.NoError(t, err)
	rx := &chanReader{frames: make(chan can.Frame)}
	bus := NewCANBus(cmap, &recordingWriter{}, rx, utils.RealClock{}, CANBusConfig{StaleAfter: time.Minute}, utils.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()

	f, err := cmap.EncodeFrame("IMU_STATE", map[string]float64{"rotation_deg": -90.5, "calibrating": 1})
	require.NoError(t, err)
	rx.frames <- f
	// A second frame guarantees the first has been ingested.
	rx.frames <- f

	imu := &CANHeadingSensor{Bus: bus, StateFrame: "IMU_STATE", RotationSignal: "rotation_deg", CalibratingSignal: "calibrating"}
	rot, err := imu.Rotation()
	require.NoError(t, err)
	assert.InDelta(t, -90.5, rot, 0.001)
	cal, err := imu.Calibrating()
	require.NoError(t, err)
	assert.True(t, cal)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestCANDigitalOut(t *testing.T) {
	bus, w, _ := newTestBus(t)
	clamp := &CANDigitalOut{Bus: bus, Frame: "CLAMP_CMD", Signal: "clamp_state"}

	require.NoError(t, clamp.Set(true))
	assert.Equal(t, uint8(1), w.last().Data[0])
	require.NoError(t, clamp.Set(false))
	assert.Equal(t, uint8(0), w.last().Data[0])
}

func TestGPIOOut(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO17"}
	out := NewGPIOOut(pin, false)

	require.NoError(t, out.Set(true))
	assert.Equal(t, gpio.High, pin.Read())
	require.NoError(t, out.Set(false))
	assert.Equal(t, gpio.Low, pin.Read())

	inv := NewGPIOOut(pin, true)
	require.NoError(t, inv.Set(true))
	assert.Equal(t, gpio.Low, pin.Read())
}

func TestParseGamepadLine(t *testing.T) {
	st, err := ParseGamepadLine("0,-127,64,3,0x9\n")
	require.NoError(t, err)
	assert.Equal(t, -127.0, st.Axis(AxisLeftY))
	assert.Equal(t, 64.0, st.Axis(AxisRightX))
	assert.True(t, st.Button(ButtonL1))
	assert.True(t, st.Button(ButtonR2))
	assert.False(t, st.Button(ButtonL2))

	for _, bad := range []string{"", "1,2,3", "0,0,0,0,zz", "0,200,0,0,0"} {
		_, err := ParseGamepadLine(bad)
		assert.Error(t, err, bad)
	}
}

type nopCloser struct{ *strings.Reader }

func (nopCloser) Close() error { return nil }

func TestSerialGamepad_KeepsLastValidReport(t *testing.T) {
	port := nopCloser{strings.NewReader("10,20,30,40,2\ngarbage\n")}
	g := NewSerialGamepad(port, utils.NopLogger())

	err := g.Run(context.Background())
	assert.True(t, errors.Is(err, io.EOF))
	assert.Equal(t, 20.0, g.Axis(AxisLeftY))
	assert.True(t, g.Button(ButtonL2))
}

func TestSim_StraightAndTurn(t *testing.T) {
	sim := NewSim(SimConfig{TrackWidth: 12, WheelDiameter: 4, RPM: 600, HorizontalWheelDiameter: 2.75, HorizontalWheelOffset: 3})
	dt := sim.Drivetrain()
	require.NoError(t, dt.Tank(127, 127))
	for i := 0; i < 100; i++ {
		sim.Step(0.01)
	}
	x, y, theta := sim.TruePose()
	assert.InDelta(t, 0, x, 1e-9)
	assert.InDelta(t, 10*math.Pi*4, y, 1e-6)
	assert.InDelta(t, 0, theta, 1e-12)

	h, err := sim.Horizontal().Position()
	require.NoError(t, err)
	assert.InDelta(t, 0, h, 1e-9)

	// Spin in place clockwise.
	require.NoError(t, dt.Tank(50, -50))
	sim.Step(0.1)
	_, _, theta = sim.TruePose()
	assert.Greater(t, theta, 0.0)
	rot, err := sim.Heading().Rotation()
	require.NoError(t, err)
	assert.InDelta(t, theta*180/math.Pi, rot, 1e-9)

	h, err = sim.Horizontal().Position()
	require.NoError(t, err)
	assert.InDelta(t, 3*theta/(math.Pi*2.75)*360, h, 1e-9)
}

func TestSim_Calibration(t *testing.T) {
	sim := NewSim(SimConfig{CalibrationPolls: 2})
	require.NoError(t, sim.Heading().Reset(context.Background()))

	for _, want := range []bool{true, true, false} {
		got, err := sim.Heading().Calibrating()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

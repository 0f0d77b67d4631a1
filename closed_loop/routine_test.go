package main

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chassis-motion-core/closed_loop/control"
	"chassis-motion-core/closed_loop/motion"
)

func TestLoadDefaultRoutine(t *testing.T) {
	r, err := LoadRoutine("routines/default.json")
	require.NoError(t, err)

	assert.Equal(t, "skills_arc_and_back", r.Meta.Name)
	assert.Equal(t, 13.5, r.Drivetrain.TrackWidth)
	assert.Equal(t, 2.75, r.Drivetrain.WheelDiameter)
	assert.Equal(t, 19.0, r.Motion.Lateral.KP)
	assert.Equal(t, 20.0, r.Motion.Lateral.Slew)
	assert.Equal(t, 30.0, r.Motion.HorizontalDrift)
	assert.True(t, r.Tracking.MotorEncoders)

	require.Len(t, r.Steps, 2)
	assert.Equal(t, OpMoveToPose, r.Steps[0].Op)
	assert.Equal(t, 3*time.Second, r.Steps[0].Timeout())

	arc := motion.DefaultOptions()
	arc.Forwards = true
	arc.Lead = 0.4
	if diff := cmp.Diff(arc, r.Steps[0].Options()); diff != "" {
		t.Errorf("step 0 options mismatch (-want +got):\n%s", diff)
	}

	back := motion.DefaultOptions()
	back.Forwards = false
	back.MaxSpeed = 127
	if diff := cmp.Diff(back, r.Steps[1].Options()); diff != "" {
		t.Errorf("step 1 options mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRoutineKeepsDefaults(t *testing.T) {
	r, err := ParseRoutine(strings.NewReader(`{
		"meta": {"name": "tiny"},
		"steps": [{"op": " Move_To_Point ", "x": 0, "y": 12, "timeout_ms": 1000}]
	}`))
	require.NoError(t, err)

	want := DefaultRoutine()
	assert.Equal(t, want.Drivetrain, r.Drivetrain)
	assert.Equal(t, want.Timing, r.Timing)
	assert.Equal(t, want.CAN, r.CAN)
	assert.Equal(t, want.Drivetrain.HorizontalDrift, r.Motion.HorizontalDrift)

	require.Len(t, r.Steps, 1)
	assert.Equal(t, OpMoveToPoint, r.Steps[0].Op)
	if diff := cmp.Diff(motion.DefaultOptions(), r.Steps[0].Options()); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRoutineRejects(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"unknown field", `{"stepz": []}`, "unknown field"},
		{"unknown op", `{"steps": [{"op": "spin", "timeout_ms": 10}]}`, `unknown op "spin"`},
		{"missing timeout", `{"steps": [{"op": "move_to_pose", "x": 1}]}`, "timeout_ms must be positive"},
		{"bad lead", `{"steps": [{"op": "move_to_pose", "timeout_ms": 10, "lead": 2}]}`, "lead"},
		{"bad drivetrain", `{"drivetrain": {"track_width": 0}}`, "track_width"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRoutine(strings.NewReader(tc.in))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestRoutineValidateReportsEveryProblem(t *testing.T) {
	r := DefaultRoutine()
	r.Timing.OdomPeriodMS = 0
	r.Telemetry.PeriodMS = -1
	r.Steps = []Step{{Op: "jump"}}

	err := r.Validate()
	require.ErrorIs(t, err, control.ErrInvalidConfig)
	for _, s := range []string{"odom_period_ms", "telemetry.period_ms", "step 0 (jump)"} {
		assert.Contains(t, err.Error(), s)
	}
}

func TestStepString(t *testing.T) {
	assert.Equal(t, "move_to_point(0.0, 24.0, 3000ms)", Step{Op: OpMoveToPoint, Y: 24, TimeoutMS: 3000}.String())
	assert.Equal(t, "wait(250ms)", Step{Op: OpWait, TimeoutMS: 250}.String())
	assert.Equal(t, "set_pose(1.0, 2.0, 90.0deg)", Step{Op: OpSetPose, X: 1, Y: 2, HeadingDeg: 90}.String())
}

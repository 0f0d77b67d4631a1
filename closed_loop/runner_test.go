package main

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chassis-motion-core/closed_loop/motion"
	"chassis-motion-core/utils"
)

func runSim(t *testing.T, r *Runner, clk *utils.ManualClock, maxTicks int) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	for i := 0; i < maxTicks; i++ {
		select {
		case err := <-done:
			return err
		default:
		}
		clk.Advance(10 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatalf("runner still busy after %d ticks", maxTicks)
	return nil
}

func TestRunnerSimRoutine(t *testing.T) {
	routine, err := LoadRoutine("routines/default.json")
	require.NoError(t, err)
	routine.Timing.TeleopDurationS = 0.1
	routine.Steps = append([]Step{
		{Op: OpSetPose},
		{Op: OpWait, TimeoutMS: 50},
	}, routine.Steps...)

	clk := utils.NewManualClock(time.Unix(0, 0))
	r, err := newRunner(context.Background(), RunnerConfig{Sim: true}, routine, clk, utils.NopLogger())
	require.NoError(t, err)
	defer r.Close()
	// Every teleop tick sees a reject-hue object.
	r.sim.SetHue(routine.OpControl.RejectHue)

	require.NoError(t, runSim(t, r, clk, 2000))

	results := r.Results()
	require.Len(t, results, 2)
	for _, res := range results {
		assert.NotEqual(t, motion.Cancelled, res.Outcome, res.String())
	}
	assert.Equal(t, motion.KindPose, results[0].Target.Kind)
	assert.Equal(t, motion.KindPoint, results[1].Target.Kind)

	// The arc ends near the 24in line, the reverse leg back near the origin.
	assert.Greater(t, results[0].Pose.Y, 15.0)
	x, y, _ := r.sim.TruePose()
	assert.Less(t, math.Hypot(x, y), 8.0)

	left, right := r.sim.Commands()
	assert.Zero(t, left)
	assert.Zero(t, right)
	assert.Equal(t, "done", r.phase.Load())
	assert.Equal(t, 127.0, r.sim.IntakeCommand())
	assert.False(t, r.sim.ClampState())
}

func TestRunnerAsyncStepsRunInOrder(t *testing.T) {
	routine := DefaultRoutine()
	routine.Steps = []Step{
		{Op: OpMoveToPoint, Y: 12, TimeoutMS: 2000, Async: true},
		{Op: OpMoveToPoint, Y: 24, TimeoutMS: 2000, Async: true},
	}

	clk := utils.NewManualClock(time.Unix(0, 0))
	r, err := newRunner(context.Background(), RunnerConfig{Sim: true, SkipTeleop: true}, routine, clk, utils.NopLogger())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, runSim(t, r, clk, 1000))

	results := r.Results()
	require.Len(t, results, 2)
	assert.Equal(t, 12.0, results[0].Target.Y)
	assert.Equal(t, 24.0, results[1].Target.Y)
	for _, res := range results {
		assert.NotEqual(t, motion.Cancelled, res.Outcome, res.String())
	}
	assert.False(t, results[1].ExitedAt.Before(results[0].ExitedAt))
}

func TestRunnerCancelStopsWheels(t *testing.T) {
	routine := DefaultRoutine()
	routine.Steps = []Step{{Op: OpMoveToPoint, Y: 96, TimeoutMS: 10000}}

	clk := utils.NewManualClock(time.Unix(0, 0))
	r, err := newRunner(context.Background(), RunnerConfig{Sim: true, SkipTeleop: true}, routine, clk, utils.NopLogger())
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		clk.Advance(10 * time.Millisecond)
		return r.chassis.Motion().Active() != nil
	}, time.Second, time.Millisecond)
	for i := 0; i < 20; i++ {
		clk.Advance(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}

	left, right := r.sim.Commands()
	assert.Zero(t, left)
	assert.Zero(t, right)
	for _, res := range r.Results() {
		assert.Equal(t, motion.Cancelled, res.Outcome)
	}
}

func TestNewRunnerRejectsBadRoutinePath(t *testing.T) {
	_, err := NewRunner(context.Background(), RunnerConfig{Sim: true, RoutinePath: "routines/missing.json"}, utils.NopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load routine")
}

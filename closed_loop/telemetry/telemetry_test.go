package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chassis-motion-core/closed_loop/odometry"
	"chassis-motion-core/utils"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t fakeToken) Wait() bool                     { return !t.timeout }
func (t fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timeout {
		close(ch)
	}
	return ch
}
func (t fakeToken) Error() error { return t.err }

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	msgs  []message
	token fakeToken
}

func (p *fakePublisher) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, message{topic: topic, retained: retained, payload: payload.([]byte)})
	return p.token
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func TestMQTTSink_PublishesRetainedJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, "chassis/pose", time.Second)

	in := Sample{
		Time:    time.Unix(10, 0).UTC(),
		Pose:    odometry.Pose{X: 1.5, Y: -2, Theta: 0.25},
		Heading: 14.3,
		State:   "driving_to_pose",
		Command: uuid.New(),
	}
	require.NoError(t, sink.Publish(in))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "chassis/pose", pub.msgs[0].topic)
	assert.True(t, pub.msgs[0].retained)

	var out Sample
	require.NoError(t, json.Unmarshal(pub.msgs[0].payload, &out))
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("sample mismatch (-want +got):\n%s", diff)
	}
}

func TestMQTTSink_Errors(t *testing.T) {
	broker := errors.New("not connected")
	sink := NewMQTTSink(&fakePublisher{token: fakeToken{err: broker}}, "t", time.Second)
	assert.ErrorIs(t, sink.Publish(Sample{}), broker)

	sink = NewMQTTSink(&fakePublisher{token: fakeToken{timeout: true}}, "t", time.Millisecond)
	err := sink.Publish(Sample{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Log: utils.NewLogger(&buf, utils.INFO)}
	require.NoError(t, sink.Publish(Sample{Pose: odometry.Pose{X: 3, Y: 4}, Heading: 90, State: "idle"}))
	assert.Contains(t, buf.String(), "pose x=3.00 y=4.00 heading=90.00 state=idle")
}

type failingSink struct{}

func (failingSink) Publish(Sample) error { return errors.New("boom") }

func TestReporter_FailingSinkDoesNotBlockOthers(t *testing.T) {
	pub := &fakePublisher{}
	clk := utils.NewManualClock(time.Unix(0, 0))
	r := NewReporter(func() Sample { return Sample{State: "idle"} },
		[]Sink{failingSink{}, NewMQTTSink(pub, "t", time.Second)}, clk, 50*time.Millisecond, utils.NopLogger())

	r.Report(clk.Now())
	r.Report(clk.Now())
	assert.Equal(t, 2, pub.count())
	assert.Equal(t, uint64(2), r.failures)
	assert.Equal(t, uint64(2), r.published)
}

func TestReporter_RunStampsSamples(t *testing.T) {
	pub := &fakePublisher{}
	clk := utils.NewManualClock(time.Unix(0, 0))
	r := NewReporter(func() Sample { return Sample{State: "idle"} },
		[]Sink{NewMQTTSink(pub, "t", time.Second)}, clk, 50*time.Millisecond, utils.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		clk.Advance(50 * time.Millisecond)
		return pub.count() >= 2
	}, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	var s Sample
	require.NoError(t, json.Unmarshal(pub.msgs[0].payload, &s))
	assert.False(t, s.Time.IsZero())
	assert.Equal(t, "idle", s.State)
}

// Package telemetry periodically reports the chassis pose and motion state.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"chassis-motion-core/closed_loop/odometry"
	"chassis-motion-core/utils"
)

// Sample is one telemetry record.
type Sample struct {
	Time    time.Time     `json:"time"`
	Pose    odometry.Pose `json:"pose"`
	Heading float64       `json:"heading_deg"`
	State   string        `json:"state"`
	Command uuid.UUID     `json:"command"`
	Phase   string        `json:"phase,omitempty"`
}

// Sink receives samples.
type Sink interface {
	Publish(s Sample) error
}

// LogSink writes each sample as an Info line.
type LogSink struct {
	Log *utils.Logger
}

func (l LogSink) Publish(s Sample) error {
	l.Log.Info("pose x=%.2f y=%.2f heading=%.2f state=%s cmd=%s", s.Pose.X, s.Pose.Y, s.Heading, s.State, s.Command)
	return nil
}

// Publisher is the subset of mqtt.Client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes samples as retained JSON messages.
type MQTTSink struct {
	client  Publisher
	topic   string
	timeout time.Duration
}

func NewMQTTSink(client Publisher, topic string, timeout time.Duration) *MQTTSink {
	return &MQTTSink{client: client, topic: topic, timeout: timeout}
}

func (m *MQTTSink) Publish(s Sample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	token := m.client.Publish(m.topic, 0, true, payload)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("publish %s: timed out after %s", m.topic, m.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// DialMQTT connects to broker and returns the client.
func DialMQTT(broker, clientID string, timeout time.Duration) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	return client, nil
}

// Reporter samples the robot every period and hands the sample to each sink.
// It only reads state.
type Reporter struct {
	sample func() Sample
	sinks  []Sink
	clock  utils.Clock
	period time.Duration
	log    *utils.Logger

	published uint64
	failures  uint64
}

func NewReporter(sample func() Sample, sinks []Sink, clock utils.Clock, period time.Duration, log *utils.Logger) *Reporter {
	return &Reporter{sample: sample, sinks: sinks, clock: clock, period: period, log: log.Named("telemetry")}
}

// Report publishes one sample to every sink. Sink failures are logged and
// do not stop the other sinks.
func (r *Reporter) Report(now time.Time) {
	s := r.sample()
	s.Time = now
	for _, sink := range r.sinks {
		if err := sink.Publish(s); err != nil {
			r.failures++
			r.log.Warn("Telemetry publish failed: %v", err)
			continue
		}
		r.published++
	}
}

// Run reports every period until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Debug("Telemetry stopped: published=%d failures=%d", r.published, r.failures)
			return ctx.Err()
		case now := <-ticker.C():
			r.Report(now)
		}
	}
}

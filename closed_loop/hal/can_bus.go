package hal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.einride.tech/can"

	"chassis-motion-core/utils"
)

// CANBus is the single owner of the chassis CAN link. A background receive
// loop keeps the latest decoded value of every RX signal; devices read from
// that cache and transmit through Send.
type CANBus struct {
	cmap         *utils.CANMap
	writer       utils.CANWriter
	reader       utils.CANReader
	clock        utils.Clock
	log          *utils.Logger
	staleAfter   time.Duration
	writeTimeout time.Duration

	mu      sync.RWMutex
	signals map[string]map[string]float64
	seen    map[string]time.Time

	txMu    sync.Mutex
	pending map[string]map[string]float64
}

type CANBusConfig struct {
	// StaleAfter bounds the age of a cached RX frame before reads fail with ErrStale.
	StaleAfter   time.Duration
	WriteTimeout time.Duration
}

func NewCANBus(cmap *utils.CANMap, writer utils.CANWriter, reader utils.CANReader, clock utils.Clock, cfg CANBusConfig, log *utils.Logger) *CANBus {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 100 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 20 * time.Millisecond
	}
	return &CANBus{
		cmap:         cmap,
		writer:       writer,
		reader:       reader,
		clock:        clock,
		log:          log.Named("can"),
		staleAfter:   cfg.StaleAfter,
		writeTimeout: cfg.WriteTimeout,
		signals:      map[string]map[string]float64{},
		seen:         map[string]time.Time{},
		pending:      map[string]map[string]float64{},
	}
}

// Run continuously reads CAN frames and caches decoded RX signals until ctx
// is cancelled.
func (b *CANBus) Run(ctx context.Context) error {
	b.log.Debug("RX loop started")
	defer b.log.Debug("RX loop stopped")

	for {
		frame, err := b.reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("can rx: %w", err)
		}
		if err := b.Ingest(frame); err != nil {
			b.log.Trace("RX id=0x%X ignored: %v", frame.ID, err)
			continue
		}
		b.log.Trace("RX id=0x%X len=%d data=% X", frame.ID, frame.Length, frame.Data[:frame.Length])
	}
}

// Ingest decodes one received frame into the signal cache.
func (b *CANBus) Ingest(frame can.Frame) error {
	fd, err := b.cmap.FrameByID(frame.ID)
	if err != nil {
		return err
	}
	if fd.Direction != utils.DirectionRX {
		return fmt.Errorf("frame %s is not an rx frame", fd.Name)
	}
	values, err := b.cmap.DecodeFrame(frame)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.signals[fd.Name] = values
	b.seen[fd.Name] = b.clock.Now()
	b.mu.Unlock()
	return nil
}

// Signal returns the cached physical value of one RX signal.
func (b *CANBus) Signal(frame, signal string) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	at, ok := b.seen[frame]
	if !ok {
		return 0, fmt.Errorf("%s.%s: %w: never received", frame, signal, ErrStale)
	}
	if age := b.clock.Since(at); age > b.staleAfter {
		return 0, fmt.Errorf("%s.%s: %w: %s old", frame, signal, ErrStale, age)
	}
	v, ok := b.signals[frame][signal]
	if !ok {
		return 0, fmt.Errorf("frame %s has no signal %q", frame, signal)
	}
	return v, nil
}

// Send merges values into the last commanded values of a TX frame and
// transmits it. Signals shared by several devices in one frame keep their
// previous command.
func (b *CANBus) Send(frame string, values map[string]float64) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()
	return b.SendContext(ctx, frame, values)
}

func (b *CANBus) SendContext(ctx context.Context, frame string, values map[string]float64) error {
	b.txMu.Lock()
	defer b.txMu.Unlock()

	merged, ok := b.pending[frame]
	if !ok {
		merged = map[string]float64{}
		b.pending[frame] = merged
	}
	for k, v := range values {
		merged[k] = v
	}

	f, err := b.cmap.EncodeFrame(frame, merged)
	if err != nil {
		return fmt.Errorf("encode %s: %w", frame, err)
	}
	if err := b.writer.WriteFrame(ctx, f); err != nil {
		return fmt.Errorf("transmit %s: %w", frame, err)
	}
	b.log.Trace("TX %s id=0x%X data=% X", frame, f.ID, f.Data[:f.Length])
	return nil
}

// CANMotorGroup drives one signal of a TX frame and reads its position from
// an RX signal.
type CANMotorGroup struct {
	Bus            *CANBus
	CmdFrame       string
	CmdSignal      string
	PositionFrame  string
	PositionSignal string
}

func (m *CANMotorGroup) Move(v float64) error {
	return m.Bus.Send(m.CmdFrame, map[string]float64{m.CmdSignal: v})
}

func (m *CANMotorGroup) Position() (float64, error) {
	if m.PositionFrame == "" {
		return 0, fmt.Errorf("motor group %s.%s has no position feedback", m.CmdFrame, m.CmdSignal)
	}
	return m.Bus.Signal(m.PositionFrame, m.PositionSignal)
}

// CANHeadingSensor is an inertial sensor bridged onto the bus.
type CANHeadingSensor struct {
	Bus               *CANBus
	ResetFrame        string
	ResetSignal       string
	StateFrame        string
	RotationSignal    string
	CalibratingSignal string
}

func (s *CANHeadingSensor) Reset(ctx context.Context) error {
	if err := s.Bus.SendContext(ctx, s.ResetFrame, map[string]float64{s.ResetSignal: 1}); err != nil {
		return err
	}
	return s.Bus.SendContext(ctx, s.ResetFrame, map[string]float64{s.ResetSignal: 0})
}

func (s *CANHeadingSensor) Calibrating() (bool, error) {
	v, err := s.Bus.Signal(s.StateFrame, s.CalibratingSignal)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (s *CANHeadingSensor) Rotation() (float64, error) {
	return s.Bus.Signal(s.StateFrame, s.RotationSignal)
}

// CANRotationSensor reads one cumulative angle signal.
type CANRotationSensor struct {
	Bus    *CANBus
	Frame  string
	Signal string
}

func (s *CANRotationSensor) Position() (float64, error) {
	return s.Bus.Signal(s.Frame, s.Signal)
}

// CANColorSensor reads the hue signal of an optical sensor.
type CANColorSensor struct {
	Bus    *CANBus
	Frame  string
	Signal string
}

func (s *CANColorSensor) Hue() (float64, error) {
	return s.Bus.Signal(s.Frame, s.Signal)
}

// CANDigitalOut drives a single-bit TX signal.
type CANDigitalOut struct {
	Bus    *CANBus
	Frame  string
	Signal string
}

func (o *CANDigitalOut) Set(on bool) error {
	v := 0.0
	if on {
		v = 1
	}
	return o.Bus.Send(o.Frame, map[string]float64{o.Signal: v})
}

package hal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.bug.st/serial"

	"chassis-motion-core/utils"
)

// GamepadState is one snapshot of every axis and button.
type GamepadState struct {
	Axes    [4]float64
	Buttons uint32
}

func (s GamepadState) Axis(a Axis) float64 {
	if a < 0 || int(a) >= len(s.Axes) {
		return 0
	}
	return s.Axes[a]
}

func (s GamepadState) Button(b Button) bool {
	return s.Buttons&(1<<uint(b)) != 0
}

// ParseGamepadLine decodes one report of the controller bridge:
//
//	<leftX>,<leftY>,<rightX>,<rightY>,<buttons hex>
//
// Axes are integers in [-127, 127]; bit n of buttons is Button(n).
func ParseGamepadLine(line string) (GamepadState, error) {
	var st GamepadState
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 5 {
		return st, fmt.Errorf("gamepad report %q: want 5 fields, got %d", line, len(fields))
	}
	for i := 0; i < 4; i++ {
		v, err := strconv.Atoi(strings.TrimSpace(fields[i]))
		if err != nil {
			return st, fmt.Errorf("gamepad report %q: axis %d: %w", line, i, err)
		}
		if v < -127 || v > 127 {
			return st, fmt.Errorf("gamepad report %q: axis %d out of range: %d", line, i, v)
		}
		st.Axes[i] = float64(v)
	}
	b, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(fields[4]), "0x"), 16, 32)
	if err != nil {
		return st, fmt.Errorf("gamepad report %q: buttons: %w", line, err)
	}
	st.Buttons = uint32(b)
	return st, nil
}

// SerialGamepad reads controller reports streamed over a serial link and
// serves the most recent one.
type SerialGamepad struct {
	port io.ReadCloser
	log  *utils.Logger

	mu    sync.RWMutex
	state GamepadState
}

// GamepadPortOptions configures the serial link of the controller bridge.
type GamepadPortOptions struct {
	BaudRate int `json:"baud_rate"`
}

// OpenSerialGamepad opens a serial port at path with 8N1 framing.
func OpenSerialGamepad(path string, opts GamepadPortOptions, log *utils.Logger) (*SerialGamepad, error) {
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open gamepad port %s: %w", path, err)
	}
	return NewSerialGamepad(port, log), nil
}

func NewSerialGamepad(port io.ReadCloser, log *utils.Logger) *SerialGamepad {
	return &SerialGamepad{port: port, log: log.Named("gamepad")}
}

// Run reads reports until the port closes or ctx is cancelled. Malformed
// reports are logged and skipped.
func (g *SerialGamepad) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = g.port.Close()
	}()

	sc := bufio.NewScanner(g.port)
	for sc.Scan() {
		st, err := ParseGamepadLine(sc.Text())
		if err != nil {
			g.log.Warn("%v", err)
			continue
		}
		g.mu.Lock()
		g.state = st
		g.mu.Unlock()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("gamepad read: %w", err)
	}
	return io.EOF
}

func (g *SerialGamepad) State() GamepadState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

func (g *SerialGamepad) Axis(a Axis) float64  { return g.State().Axis(a) }
func (g *SerialGamepad) Button(b Button) bool { return g.State().Button(b) }

func (g *SerialGamepad) Close() error {
	return g.port.Close()
}

// StaticGamepad serves whatever state was last stored. It backs simulated
// runs and tests.
type StaticGamepad struct {
	mu    sync.Mutex
	state GamepadState
}

func (g *StaticGamepad) Set(st GamepadState) {
	g.mu.Lock()
	g.state = st
	g.mu.Unlock()
}

func (g *StaticGamepad) SetAxis(a Axis, v float64) {
	g.mu.Lock()
	g.state.Axes[a] = v
	g.mu.Unlock()
}

func (g *StaticGamepad) SetButton(b Button, down bool) {
	g.mu.Lock()
	if down {
		g.state.Buttons |= 1 << uint(b)
	} else {
		g.state.Buttons &^= 1 << uint(b)
	}
	g.mu.Unlock()
}

func (g *StaticGamepad) Axis(a Axis) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Axis(a)
}

func (g *StaticGamepad) Button(b Button) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Button(b)
}

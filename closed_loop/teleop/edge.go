package teleop

// EdgeDetector reports fresh presses: true only on the tick a button goes
// from released to pressed.
type EdgeDetector struct {
	prev bool
}

func (e *EdgeDetector) Pressed(down bool) bool {
	fresh := down && !e.prev
	e.prev = down
	return fresh
}

// Toggle flips its state once per fresh press.
type Toggle struct {
	edge  EdgeDetector
	state bool
}

// Update feeds the current button level and reports the state and whether
// it flipped on this call.
func (t *Toggle) Update(down bool) (state, flipped bool) {
	if t.edge.Pressed(down) {
		t.state = !t.state
		return t.state, true
	}
	return t.state, false
}

func (t *Toggle) State() bool { return t.state }

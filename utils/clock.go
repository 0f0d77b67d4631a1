package utils

import (
	"sync"
	"time"
)

// Clock is the scheduler primitive every tick loop runs on: a time source,
// a blocking delay and a periodic ticker.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks at a fixed period until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock implements Clock with the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (RealClock) Sleep(d time.Duration)           { time.Sleep(d) }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.ticker.C }
func (t *realTicker) Stop()               { t.ticker.Stop() }

// ManualClock is a deterministic clock for tests. Time only moves on Advance
// or Sleep. Advance hands each due tick to its receiver synchronously, so a
// test that advances N periods knows the loop has consumed N ticks.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	tickers []*manualTicker
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Sleep advances the clock by d without firing tickers, which models a loop
// that blocks for the whole delay.
func (c *ManualClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
}

// Sleeps returns every duration passed to Sleep.
func (c *ManualClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

func (c *ManualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{
		ch:     make(chan time.Time),
		stop:   make(chan struct{}),
		period: d,
		next:   c.now.Add(d),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves time forward by d and delivers at most one tick to every
// ticker that became due. It blocks until each tick is received or the
// ticker is stopped.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	due := make([]*manualTicker, 0, len(c.tickers))
	live := c.tickers[:0]
	for _, t := range c.tickers {
		if t.stopped() {
			continue
		}
		live = append(live, t)
		if !t.next.After(now) {
			t.next = now.Add(t.period)
			due = append(due, t)
		}
	}
	c.tickers = live
	c.mu.Unlock()

	for _, t := range due {
		t.fire(now)
	}
}

type manualTicker struct {
	ch       chan time.Time
	stop     chan struct{}
	stopOnce sync.Once
	period   time.Duration
	next     time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *manualTicker) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func (t *manualTicker) fire(now time.Time) {
	select {
	case t.ch <- now:
	case <-t.stop:
	}
}

package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_AdvanceDeliversTick(t *testing.T) {
	start := time.Unix(0, 0)
	c := NewManualClock(start)
	tk := c.NewTicker(10 * time.Millisecond)
	defer tk.Stop()

	got := make(chan time.Time, 4)
	go func() {
		for i := 0; i < 2; i++ {
			got <- <-tk.C()
		}
	}()

	c.Advance(5 * time.Millisecond) // not due yet
	c.Advance(5 * time.Millisecond)
	c.Advance(10 * time.Millisecond)

	assert.Equal(t, start.Add(10*time.Millisecond), <-got)
	assert.Equal(t, start.Add(20*time.Millisecond), <-got)
}

func TestManualClock_SleepAdvancesWithoutTicks(t *testing.T) {
	start := time.Unix(0, 0)
	c := NewManualClock(start)
	tk := c.NewTicker(10 * time.Millisecond)

	c.Sleep(200 * time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, c.Since(start))
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, c.Sleeps())

	// A stopped ticker never blocks Advance.
	tk.Stop()
	c.Advance(10 * time.Millisecond)
}

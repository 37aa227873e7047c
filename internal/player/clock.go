package player

import (
	"sync"
	"time"

	"github.com/jmylchreest/hlsplayer/internal/models"
)

// clock is the player's wall-clock-anchored Synchronizer: it projects a
// rate and an anchor (playback time, wall time) pair into a live
// RationalTime on every read, rather than ticking a counter, so Clock()
// is accurate between 60Hz trigger calls.
type clock struct {
	mu         sync.Mutex
	rate       float64
	anchorTime models.RationalTime
	anchorWall time.Time
}

func newClock() *clock {
	return &clock{anchorWall: time.Now()}
}

// Clock implements renderer.Synchronizer.
func (c *clock) Clock() models.RationalTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valueLocked()
}

func (c *clock) valueLocked() models.RationalTime {
	elapsed := time.Since(c.anchorWall).Seconds()
	return models.NewRationalTime(c.anchorTime.Seconds() + elapsed*c.rate)
}

// Rate implements renderer.Synchronizer.
func (c *clock) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// SetRate implements renderer.Synchronizer: freezes the current clock
// value as the new anchor before changing rate, so playback position is
// continuous across a rate change.
func (c *clock) SetRate(rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchorTime = c.valueLocked()
	c.anchorWall = time.Now()
	c.rate = rate
}

// SetRateAtTime implements renderer.Synchronizer: used by seeks, where the
// new anchor is an explicit target time rather than the current value.
func (c *clock) SetRateAtTime(rate float64, t models.RationalTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchorTime = t
	c.anchorWall = time.Now()
	c.rate = rate
}

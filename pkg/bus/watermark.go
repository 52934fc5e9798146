package bus

import "time"

// WatermarkClock produces the monotonic non-decreasing event-time watermark
// stamped on every append. The watermark trails wall-clock by a configurable
// skew tolerance so slightly out-of-order producers don't force regressions.
//
// Not safe for concurrent use on its own; the bus advances it under the
// single-writer lock.
type WatermarkClock struct {
	skew time.Duration
	prev int64
}

// NewWatermarkClock creates a clock with the given skew tolerance.
func NewWatermarkClock(skew time.Duration) *WatermarkClock {
	return &WatermarkClock{skew: skew}
}

// Advance returns max(previous watermark, nowMS - skew) and records it.
func (c *WatermarkClock) Advance(nowMS int64) int64 {
	wm := nowMS - c.skew.Milliseconds()
	if wm < c.prev {
		wm = c.prev
	}
	c.prev = wm
	return wm
}

// Current returns the last watermark without advancing.
func (c *WatermarkClock) Current() int64 {
	return c.prev
}

// Restore seeds the clock from a recovered journal so the watermark never
// regresses across restarts.
func (c *WatermarkClock) Restore(wm int64) {
	if wm > c.prev {
		c.prev = wm
	}
}

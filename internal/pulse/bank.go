// Package pulse owns the raw flow-sensor pulse counters and the sources that feed them.
package pulse

import (
	"fmt"
	"sync/atomic"
)

// Bank holds one monotonically increasing pulse counter per flow sensor. Taps are
// addressed by index; Increment also accepts the sensor's GPIO line so an edge
// handler can count without knowing the tap layout. The channel layout is fixed
// at construction, so lookups need no locking.
type Bank struct {
	channels []int
	byLine   map[int]int
	counts   []atomic.Uint64
}

// NewBank creates a bank for the given GPIO lines, in tap order.
func NewBank(channels []int) (*Bank, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("pulse: no channels configured")
	}
	b := &Bank{
		channels: append([]int(nil), channels...),
		byLine:   make(map[int]int, len(channels)),
		counts:   make([]atomic.Uint64, len(channels)),
	}
	for i, line := range channels {
		if _, dup := b.byLine[line]; dup {
			return nil, fmt.Errorf("pulse: channel %d configured twice", line)
		}
		b.byLine[line] = i
	}
	return b, nil
}

// Len returns the number of taps.
func (b *Bank) Len() int { return len(b.channels) }

// Channels returns the GPIO lines in tap order.
func (b *Bank) Channels() []int { return append([]int(nil), b.channels...) }

// Channel returns the GPIO line of a tap.
func (b *Bank) Channel(tap int) int {
	b.mustTap(tap)
	return b.channels[tap]
}

// Increment records one pulse on a GPIO line. It never blocks and is safe to call
// from the edge-detection goroutine.
func (b *Bank) Increment(line int) {
	tap, ok := b.byLine[line]
	if !ok {
		panic(fmt.Sprintf("pulse: unknown channel %d", line))
	}
	b.counts[tap].Add(1)
}

// Add records n pulses on a tap. Simulation uses it in place of hardware edges.
func (b *Bank) Add(tap int, n uint64) {
	b.mustTap(tap)
	b.counts[tap].Add(n)
}

// Load returns the current raw count of a tap.
func (b *Bank) Load(tap int) uint64 {
	b.mustTap(tap)
	return b.counts[tap].Load()
}

// SnapshotDelta reads a tap's counter once and returns it together with the number
// of pulses since last. A counter that reads below last is an anomaly: the delta is
// clamped to zero and anomaly is set so the caller can report it.
func (b *Bank) SnapshotDelta(tap int, last uint64) (current, delta uint64, anomaly bool) {
	current = b.Load(tap)
	if current < last {
		return current, 0, true
	}
	return current, current - last, false
}

func (b *Bank) mustTap(tap int) {
	if tap < 0 || tap >= len(b.channels) {
		panic(fmt.Sprintf("pulse: unknown tap %d", tap))
	}
}

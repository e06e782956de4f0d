package pulse

import (
	"errors"
	"sync/atomic"
	"time"
)

const (
	// DefaultDebounce matches the sensor's minimum pulse spacing at full flow.
	DefaultDebounce = 5 * time.Millisecond
	// DefaultGPIORoot is the Linux sysfs GPIO class directory.
	DefaultGPIORoot = "/sys/class/gpio"
)

// ErrUnsupported is returned by Watcher.Start on platforms without GPIO edge events.
var ErrUnsupported = errors.New("pulse: gpio edge detection unsupported on this platform")

// WatcherOptions configures hardware edge detection.
type WatcherOptions struct {
	// Root overrides the sysfs GPIO directory. Tests point it at a temp dir.
	Root     string
	Debounce time.Duration
}

func (o WatcherOptions) withDefaults() WatcherOptions {
	if o.Root == "" {
		o.Root = DefaultGPIORoot
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	return o
}

// debouncer rejects edges that arrive within the window of the previous accepted
// edge on the same tap. It is owned by the single edge-reading goroutine.
type debouncer struct {
	window  time.Duration
	last    []time.Time
	bounced atomic.Uint64
}

func newDebouncer(taps int, window time.Duration) *debouncer {
	return &debouncer{window: window, last: make([]time.Time, taps)}
}

func (d *debouncer) accept(tap int, now time.Time) bool {
	prev := d.last[tap]
	if !prev.IsZero() && now.Sub(prev) < d.window {
		d.bounced.Add(1)
		return false
	}
	d.last[tap] = now
	return true
}

// Bounced returns the number of edges discarded by debouncing.
func (d *debouncer) Bounced() uint64 { return d.bounced.Load() }

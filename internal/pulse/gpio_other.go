//go:build !linux

package pulse

import "context"

// Watcher is unavailable off Linux; Start always reports ErrUnsupported.
type Watcher struct {
	deb *debouncer
}

func NewWatcher(bank *Bank, opts WatcherOptions) *Watcher {
	opts = opts.withDefaults()
	return &Watcher{deb: newDebouncer(bank.Len(), opts.Debounce)}
}

func (w *Watcher) Start(ctx context.Context) error { return ErrUnsupported }

func (w *Watcher) Stop(ctx context.Context) error { return nil }

func (w *Watcher) Bounced() uint64 { return w.deb.Bounced() }

//go:build linux

package pulse

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Watcher counts rising edges on the bank's GPIO lines through the sysfs
// interface. Each line's value file is registered with epoll for EPOLLPRI, which
// the kernel raises on every configured edge. Lines are expected to be wired with
// an external or device-tree pull-down; sysfs cannot set bias.
type Watcher struct {
	bank *Bank
	opts WatcherOptions
	deb  *debouncer

	mu      sync.Mutex
	epfd    int
	files   []*os.File
	byFD    map[int32]watchedLine
	stop    chan struct{}
	done    chan struct{}
	running bool
}

type watchedLine struct {
	tap  int
	line int
}

// NewWatcher prepares a watcher for every tap in bank.
func NewWatcher(bank *Bank, opts WatcherOptions) *Watcher {
	opts = opts.withDefaults()
	return &Watcher{
		bank: bank,
		opts: opts,
		deb:  newDebouncer(bank.Len(), opts.Debounce),
		epfd: -1,
	}
}

// Start exports and configures each line and begins counting edges.
func (w *Watcher) Start(ctx context.Context) error {
	_ = ctx
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("pulse: epoll create: %w", err)
	}
	w.epfd = epfd
	w.byFD = make(map[int32]watchedLine, w.bank.Len())
	for tap, line := range w.bank.Channels() {
		f, err := w.openLine(line)
		if err != nil {
			w.closeLocked()
			return err
		}
		w.files = append(w.files, f)
		fd := int32(f.Fd())
		w.byFD[fd] = watchedLine{tap: tap, line: line}
		ev := unix.EpollEvent{Events: unix.EPOLLPRI | unix.EPOLLERR, Fd: fd}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
			w.closeLocked()
			return fmt.Errorf("pulse: epoll add gpio%d: %w", line, err)
		}
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.running = true
	go w.loop(w.stop, w.done)
	log.Printf("INFO: pulse: watching %d gpio lines (debounce %s)", len(w.files), w.opts.Debounce)
	return nil
}

// Stop ends edge counting and releases the value files. Lines stay exported.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	close(w.stop)
	done := w.done
	w.running = false
	w.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.mu.Lock()
	w.closeLocked()
	w.mu.Unlock()
	return nil
}

// Bounced returns the number of edges discarded by debouncing.
func (w *Watcher) Bounced() uint64 { return w.deb.Bounced() }

func (w *Watcher) openLine(line int) (*os.File, error) {
	dir := filepath.Join(w.opts.Root, "gpio"+strconv.Itoa(line))
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(w.opts.Root, "export"), []byte(strconv.Itoa(line)), 0o200); err != nil && !errors.Is(err, unix.EBUSY) {
			return nil, fmt.Errorf("pulse: export gpio%d: %w", line, err)
		}
		// udev needs a moment to fix permissions on freshly exported lines.
		for i := 0; i < 20; i++ {
			if _, err := os.Stat(filepath.Join(dir, "edge")); err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte("in"), 0o200); err != nil {
		return nil, fmt.Errorf("pulse: gpio%d direction: %w", line, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "edge"), []byte("rising"), 0o200); err != nil {
		return nil, fmt.Errorf("pulse: gpio%d edge: %w", line, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "value"), os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("pulse: open gpio%d value: %w", line, err)
	}
	// The first read clears the pending edge that sysfs reports on open.
	var buf [8]byte
	_, _ = unix.Read(int(f.Fd()), buf[:])
	return f, nil
}

func (w *Watcher) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	events := make([]unix.EpollEvent, len(w.files))
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := unix.EpollWait(w.epfd, events, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			log.Printf("ERROR: pulse: epoll wait: %v", err)
			return
		}
		now := time.Now()
		for i := 0; i < n; i++ {
			w.edge(events[i].Fd, now)
		}
	}
}

// edge consumes one readiness event on fd and counts it against the line's
// counter unless it bounced. The value file is re-read to clear the event.
func (w *Watcher) edge(fd int32, now time.Time) {
	wl, ok := w.byFD[fd]
	if !ok {
		return
	}
	var buf [8]byte
	if _, err := unix.Seek(int(fd), 0, 0); err == nil {
		_, _ = unix.Read(int(fd), buf[:])
	}
	if w.deb.accept(wl.tap, now) {
		w.bank.Increment(wl.line)
	}
}

func (w *Watcher) closeLocked() {
	for _, f := range w.files {
		_ = f.Close()
	}
	w.files = nil
	w.byFD = nil
	if w.epfd >= 0 {
		_ = unix.Close(w.epfd)
		w.epfd = -1
	}
}

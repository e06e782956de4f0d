//go:build linux

package pulse

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherOpenLineConfiguresSysfs(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "gpio13")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"direction", "edge", "value"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("0"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	bank, _ := NewBank([]int{13})
	w := NewWatcher(bank, WatcherOptions{Root: root})

	f, err := w.openLine(13)
	if err != nil {
		t.Fatalf("open line: %v", err)
	}
	defer f.Close()

	direction, _ := os.ReadFile(filepath.Join(dir, "direction"))
	if string(direction) != "in" {
		t.Fatalf("expected direction in, got %q", direction)
	}
	edge, _ := os.ReadFile(filepath.Join(dir, "edge"))
	if string(edge) != "rising" {
		t.Fatalf("expected rising edge, got %q", edge)
	}
}

func TestWatcherStopWithoutStart(t *testing.T) {
	bank, _ := NewBank([]int{5})
	w := NewWatcher(bank, WatcherOptions{Root: t.TempDir()})
	if err := w.Stop(t.Context()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestWatcherEdgeCountsByLine(t *testing.T) {
	value := filepath.Join(t.TempDir(), "value")
	if err := os.WriteFile(value, []byte("1\n"), 0o644); err != nil {
		t.Fatalf("seed value: %v", err)
	}
	f, err := os.Open(value)
	if err != nil {
		t.Fatalf("open value: %v", err)
	}
	defer f.Close()

	bank, _ := NewBank([]int{5, 12})
	w := NewWatcher(bank, WatcherOptions{Root: t.TempDir(), Debounce: time.Millisecond})
	fd := int32(f.Fd())
	w.byFD = map[int32]watchedLine{fd: {tap: 1, line: 12}}

	now := time.Now()
	w.edge(fd, now)
	w.edge(fd, now.Add(100*time.Microsecond))
	w.edge(fd, now.Add(2*time.Millisecond))
	w.edge(fd+1000, now.Add(5*time.Millisecond))

	if got := bank.Load(1); got != 2 {
		t.Fatalf("expected 2 counted edges on gpio12, got %d", got)
	}
	if bank.Load(0) != 0 {
		t.Fatalf("edges leaked to another tap")
	}
	if w.Bounced() != 1 {
		t.Fatalf("expected one bounced edge, got %d", w.Bounced())
	}
}

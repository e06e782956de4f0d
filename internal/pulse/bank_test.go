package pulse

import (
	"sync"
	"testing"
)

func TestNewBankRejectsDuplicates(t *testing.T) {
	if _, err := NewBank([]int{5, 6, 5}); err == nil {
		t.Fatalf("expected duplicate channel error")
	}
	if _, err := NewBank(nil); err == nil {
		t.Fatalf("expected error for empty channel list")
	}
}

func TestBankIncrementAndSnapshot(t *testing.T) {
	b, err := NewBank([]int{5, 6, 12})
	if err != nil {
		t.Fatalf("new bank: %v", err)
	}
	for i := 0; i < 12; i++ {
		b.Increment(6)
	}
	b.Add(2, 40)

	cur, delta, anomaly := b.SnapshotDelta(1, 0)
	if cur != 12 || delta != 12 || anomaly {
		t.Fatalf("tap 1: cur=%d delta=%d anomaly=%v", cur, delta, anomaly)
	}
	cur, delta, _ = b.SnapshotDelta(1, cur)
	if delta != 0 || cur != 12 {
		t.Fatalf("expected zero delta after rebaseline, got %d", delta)
	}
	if got := b.Load(2); got != 40 {
		t.Fatalf("tap 2 expected 40, got %d", got)
	}
	if got := b.Channel(2); got != 12 {
		t.Fatalf("tap 2 channel expected 12, got %d", got)
	}
}

func TestBankSnapshotClampsAnomaly(t *testing.T) {
	b, _ := NewBank([]int{5})
	b.Add(0, 3)
	cur, delta, anomaly := b.SnapshotDelta(0, 10)
	if cur != 3 || delta != 0 || !anomaly {
		t.Fatalf("expected clamped anomaly, got cur=%d delta=%d anomaly=%v", cur, delta, anomaly)
	}
}

func TestBankUnknownChannelPanics(t *testing.T) {
	b, _ := NewBank([]int{5})
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for unknown channel")
		}
	}()
	b.Increment(99)
}

func TestBankUnknownTapPanics(t *testing.T) {
	b, _ := NewBank([]int{5})
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for unknown tap")
		}
	}()
	b.Load(1)
}

func TestBankConcurrentIncrementsAreNotLost(t *testing.T) {
	b, _ := NewBank([]int{5, 6})
	const writers, perWriter = 8, 1000
	var wg sync.WaitGroup
	var sampled uint64
	var last uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			cur, delta, _ := b.SnapshotDelta(0, last)
			sampled += delta
			last = cur
		}
	}()
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				b.Increment(5)
			}
		}()
	}
	wg.Wait()
	<-done
	_, delta, _ := b.SnapshotDelta(0, last)
	sampled += delta
	if sampled != writers*perWriter {
		t.Fatalf("expected %d pulses across snapshots, got %d", writers*perWriter, sampled)
	}
	if b.Load(1) != 0 {
		t.Fatalf("tap 1 should be untouched")
	}
}

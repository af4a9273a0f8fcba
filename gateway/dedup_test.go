package gateway

import (
	"testing"
	"time"
)

func TestDedupCache(t *testing.T) {
	clock := newFakeClock()
	c := NewDedupCache(15 * time.Second)
	c.now = clock.Now

	t.Run("First request passes", func(t *testing.T) {
		if c.IsDuplicate("+359888111222", "hello") {
			t.Fatal("unseen request flagged as duplicate")
		}
		c.Record("+359888111222", "hello")
	})

	t.Run("Repeat inside window suppressed", func(t *testing.T) {
		clock.Advance(5 * time.Second)
		if !c.IsDuplicate("+359888111222", "hello") {
			t.Fatal("repeat inside window not flagged")
		}
	})

	t.Run("Different text passes", func(t *testing.T) {
		if c.IsDuplicate("+359888111222", "other") {
			t.Fatal("different text flagged as duplicate")
		}
	})

	t.Run("Window expiry", func(t *testing.T) {
		clock.Advance(11 * time.Second)
		if c.IsDuplicate("+359888111222", "hello") {
			t.Fatal("request past the window still flagged")
		}
	})
}

func TestCounters(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, "sms_counter.json")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	c, err := NewCounters(discardLogger(), store)
	if err != nil {
		t.Fatalf("NewCounters: %v", err)
	}

	c.IncrementSent()
	c.IncrementSent()
	c.IncrementReceived()
	if got := c.Snapshot(); got.SentCount != 2 || got.ReceivedCount != 1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}

	t.Run("Survives reload", func(t *testing.T) {
		reloaded, err := NewCounters(discardLogger(), store)
		if err != nil {
			t.Fatalf("NewCounters: %v", err)
		}
		if got := reloaded.Snapshot(); got.SentCount != 2 || got.ReceivedCount != 1 {
			t.Errorf("unexpected snapshot after reload: %+v", got)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		if got := c.Reset(); got.SentCount != 0 || got.ReceivedCount != 0 {
			t.Errorf("unexpected snapshot after reset: %+v", got)
		}
	})
}

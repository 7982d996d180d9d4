package vmengine

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCronTicker_FiresOnInterval(t *testing.T) {
	var count atomic.Int32
	c := newCronTicker(10*time.Millisecond, func(time.Time) {
		count.Add(1)
	})
	c.Start()
	time.Sleep(55 * time.Millisecond)
	c.Stop()

	got := count.Load()
	if got < 2 || got > 8 {
		t.Fatalf("fired %d times in ~55ms at 10ms interval, want a small handful", got)
	}
}

func TestCronTicker_CoalescesWhileFireInFlight(t *testing.T) {
	var count atomic.Int32
	release := make(chan struct{})
	c := newCronTicker(5*time.Millisecond, func(time.Time) {
		count.Add(1)
		<-release
	})
	c.Start()
	time.Sleep(40 * time.Millisecond) // many ticks elapse while fire blocks
	close(release)
	c.Stop()

	// Ticks that land while fire is in flight are coalesced into at most
	// one extra call once fire unblocks; 8 ticks must never turn into 8
	// invocations.
	if got := count.Load(); got < 1 || got > 2 {
		t.Fatalf("fired %d times across ~40ms of coalesced ticks, want 1 or 2", got)
	}
}

func TestCronTicker_ZeroIntervalDisabled(t *testing.T) {
	var fired bool
	c := newCronTicker(0, func(time.Time) { fired = true })
	c.Start()
	c.Stop()
	if fired {
		t.Fatal("zero-interval ticker must never fire")
	}
}

func TestCronTicker_StopIsIdempotent(t *testing.T) {
	c := newCronTicker(time.Millisecond, func(time.Time) {})
	c.Start()
	c.Stop()
	c.Stop()
}

package node

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestRegistry() (*timerRegistry, *clock.Mock, chan func()) {
	clk := clock.NewMock()
	queue := make(chan func(), 16)
	r := newTimerRegistry(clk, func(fn func()) { queue <- fn })
	return r, clk, queue
}

func next(t *testing.T, queue chan func()) func() {
	t.Helper()
	select {
	case fn := <-queue:
		return fn
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	return nil
}

func nothingQueued(t *testing.T, queue chan func()) {
	t.Helper()
	select {
	case <-queue:
		t.Fatal("unexpected timer expiration")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerAfter(t *testing.T) {
	r, clk, queue := newTestRegistry()

	count := 0
	r.After("a", time.Second, func() { count++ })

	if !r.Has("a") || r.Len() != 1 {
		t.Fatal("timer should be pending")
	}

	clk.Add(500 * time.Millisecond)
	nothingQueued(t, queue)

	clk.Add(500 * time.Millisecond)
	next(t, queue)()

	if count != 1 {
		t.Fatalf("count should be 1, is %d", count)
	}
	if r.Has("a") {
		t.Fatal("one-shot timer should be gone")
	}
}

func TestTimerCancelledAfterExpiry(t *testing.T) {
	r, clk, queue := newTestRegistry()

	ran := false
	r.After("a", time.Second, func() { ran = true })

	clk.Add(time.Second)
	fn := next(t, queue)

	// cancelled while its expiration waits in the queue
	r.Cancel("a")
	fn()

	if ran {
		t.Fatal("cancelled timer should not run")
	}
}

func TestTimerReplaced(t *testing.T) {
	r, clk, queue := newTestRegistry()

	var ran []string
	r.After("a", time.Second, func() { ran = append(ran, "old") })

	clk.Add(time.Second)
	stale := next(t, queue)

	r.After("a", time.Second, func() { ran = append(ran, "new") })
	stale()

	if len(ran) != 0 {
		t.Fatalf("replaced timer should not run, ran %v", ran)
	}
	if !r.Has("a") {
		t.Fatal("replacement should still be pending")
	}

	clk.Add(time.Second)
	next(t, queue)()

	if len(ran) != 1 || ran[0] != "new" {
		t.Fatalf("expected [new], got %v", ran)
	}
}

func TestTimerEvery(t *testing.T) {
	r, clk, queue := newTestRegistry()

	count := 0
	r.Every("p", time.Second, func() { count++ })

	for i := 0; i < 3; i++ {
		clk.Add(time.Second)
		next(t, queue)()
	}

	if count != 3 {
		t.Fatalf("count should be 3, is %d", count)
	}
	if !r.Has("p") {
		t.Fatal("periodic timer should stay pending")
	}

	r.Cancel("p")
	clk.Add(time.Second)
	nothingQueued(t, queue)

	if r.Len() != 0 {
		t.Fatalf("no timer should be left, %d pending", r.Len())
	}
}

func TestTimerCancelGroups(t *testing.T) {
	r, _, _ := newTestRegistry()

	noop := func() {}

	r.After(reconnectPrefix+"x", time.Second, noop)
	r.Every(qualityPrefix+"x", time.Second, noop)
	r.After(connectPrefix+"x", time.Second, noop)
	r.Every(qualityPrefix+"y", time.Second, noop)
	r.After(announceTimer, time.Second, noop)
	r.Every(dedupTimer, time.Second, noop)

	r.CancelSession("x")
	if l := r.Len(); l != 3 {
		t.Fatalf("3 timers should be left, %d pending", l)
	}

	r.CancelPrefix(qualityPrefix)
	if r.Has(qualityPrefix + "y") {
		t.Fatal("quality timer of y should be cancelled")
	}

	r.CancelAll()
	if l := r.Len(); l != 0 {
		t.Fatalf("no timer should be left, %d pending", l)
	}
}

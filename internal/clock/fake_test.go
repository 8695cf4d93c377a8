package clock

import (
	"testing"
	"time"
)

func TestFakeClockFireDeliversToAllWaiters(t *testing.T) {
	t.Parallel()

	clk := NewFakeClock()
	first := clk.After(time.Second)
	second := clk.After(10 * time.Second)

	if got := clk.Waiters(); got != 2 {
		t.Fatalf("Waiters() = %d, want 2", got)
	}

	clk.Fire()

	select {
	case <-first:
	default:
		t.Fatal("first waiter did not receive tick")
	}

	select {
	case <-second:
	default:
		t.Fatal("second waiter did not receive tick")
	}

	if got := clk.Waiters(); got != 0 {
		t.Fatalf("Waiters() after Fire = %d, want 0", got)
	}
}

func TestFakeClockAdvanceHonoursDeadlines(t *testing.T) {
	t.Parallel()

	clk := NewFakeClock()
	short := clk.After(10 * time.Second)
	long := clk.After(600 * time.Second)

	clk.Advance(9 * time.Second)
	select {
	case <-short:
		t.Fatal("short timer fired before its deadline")
	default:
	}

	clk.Advance(time.Second)
	select {
	case ts := <-short:
		if !ts.Equal(time.Unix(10, 0)) {
			t.Fatalf("tick time = %v, want epoch+10s", ts)
		}
	default:
		t.Fatal("short timer did not fire at its deadline")
	}

	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}
	if got := clk.Waiters(); got != 1 {
		t.Fatalf("Waiters() = %d, want 1", got)
	}

	clk.Advance(10 * time.Minute)
	select {
	case <-long:
	default:
		t.Fatal("long timer did not fire")
	}
}

func TestFakeClock_PendingFireConsumedByAfter(t *testing.T) {
	t.Parallel()

	clk := NewFakeClock()
	clk.Fire()
	clk.Fire() // two pending
	a := <-clk.After(time.Second)
	b := <-clk.After(time.Second)
	if !a.Equal(clk.Now()) || !b.Equal(clk.Now()) {
		t.Fatal("pending ticks mismatch")
	}
	select {
	case <-clk.After(time.Second):
		t.Fatal("unexpected third immediate tick")
	default:
	}
}

func TestFakeClock_NonPositiveDurationExpiresImmediately(t *testing.T) {
	t.Parallel()

	clk := NewFakeClock()
	select {
	case <-clk.After(0):
	default:
		t.Fatal("After(0) did not expire immediately")
	}
	if got := clk.Waiters(); got != 0 {
		t.Fatalf("Waiters() = %d, want 0", got)
	}
}

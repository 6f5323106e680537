package clock_test

import (
	"testing"
	"time"

	"pkt.systems/gridgate/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	ch := m.After(time.Second)
	if m.Pending() != 1 {
		t.Fatalf("expected one pending waiter, got %d", m.Pending())
	}
	m.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired before due")
	default:
	}
	m.Advance(500 * time.Millisecond)
	select {
	case at := <-ch:
		if !at.Equal(start.Add(time.Second)) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatal("expected waiter to fire")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending waiters, got %d", m.Pending())
	}
}

func TestManualAfterNonPositive(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}

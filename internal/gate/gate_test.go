package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/gridgate/internal/clock"
)

func TestAdmitRelease(t *testing.T) {
	g := New()
	ticket, err := g.Admit(context.Background(), "VERSION")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	stats := g.Stats()
	if !stats.Occupied || stats.Current != "VERSION" || stats.Admits != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	ticket.Release()
	ticket.Release()
	stats = g.Stats()
	if stats.Occupied || stats.Current != "" || stats.Releases != 1 {
		t.Fatalf("unexpected stats after release %+v", stats)
	}
}

func TestSecondAdmitWaitsForRelease(t *testing.T) {
	g := New()
	first, err := g.Admit(context.Background(), "GET")
	if err != nil {
		t.Fatalf("admit first: %v", err)
	}
	var events []string
	var mu sync.Mutex
	record := func(ev string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		second, err := g.Admit(context.Background(), "SENDDATA")
		if err != nil {
			t.Errorf("admit second: %v", err)
			return
		}
		record("admit-2")
		second.Release()
	}()
	for g.Stats().Waiting == 0 {
		time.Sleep(time.Millisecond)
	}
	record("release-1")
	first.Release()
	<-done
	if len(events) != 2 || events[0] != "release-1" || events[1] != "admit-2" {
		t.Fatalf("unexpected ordering %v", events)
	}
	if s := g.Stats(); s.Admits != 2 || s.Releases != 2 {
		t.Fatalf("unexpected counters %+v", s)
	}
}

func TestAdmitContextCancel(t *testing.T) {
	g := New()
	held, _ := g.Admit(context.Background(), "GET")
	defer held.Release()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Admit(ctx, "GET"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if s := g.Stats(); s.Admits != 1 {
		t.Fatalf("failed admit must not count, got %+v", s)
	}
}

func TestAdmitTimeout(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	g := New(WithTimeout(time.Second), WithClock(clk))
	held, _ := g.Admit(context.Background(), "GET")
	defer held.Release()
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Admit(context.Background(), "GET")
		errCh <- err
	}()
	for clk.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	clk.Advance(time.Second)
	if err := <-errCh; !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestConcurrentAdmitsNeverOverlap(t *testing.T) {
	g := New()
	var inFlight, maxSeen atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := g.Admit(context.Background(), "WORKALIVE")
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			defer ticket.Release()
			n := inFlight.Add(1)
			for {
				prev := maxSeen.Load()
				if n <= prev || maxSeen.CompareAndSwap(prev, n) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()
	if maxSeen.Load() != 1 {
		t.Fatalf("observed %d concurrent occupants", maxSeen.Load())
	}
	if s := g.Stats(); s.Admits != 32 || s.Releases != 32 || s.Occupied {
		t.Fatalf("unexpected final stats %+v", s)
	}
}

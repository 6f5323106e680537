// Package gate serialises command execution on a channel: at most one command
// is in flight at a time and every admission is paired with exactly one
// release.
package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/gridgate/internal/clock"
)

// ErrTimeout is returned when Admit gives up waiting for the slot.
var ErrTimeout = errors.New("gate: admit timed out")

// Gate is a single-slot admission gate.
type Gate struct {
	slot    chan struct{}
	clock   clock.Clock
	timeout time.Duration

	mu      sync.Mutex
	current string

	admits   atomic.Int64
	releases atomic.Int64
	waiting  atomic.Int64
}

// Option customises a Gate.
type Option func(*Gate)

// WithTimeout bounds how long Admit waits. Zero waits until the context ends.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithClock replaces the time source used for the admit timeout.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) {
		if c != nil {
			g.clock = c
		}
	}
}

// New returns an empty gate.
func New(opts ...Option) *Gate {
	g := &Gate{
		slot:  make(chan struct{}, 1),
		clock: clock.Real{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ticket is proof of admission. Release must be called exactly once; extra
// calls are ignored.
type Ticket struct {
	gate   *Gate
	label  string
	waited time.Duration
	once   sync.Once
}

// Label returns the command label the ticket was admitted with.
func (t *Ticket) Label() string { return t.label }

// Waited reports how long Admit blocked before the slot was granted.
func (t *Ticket) Waited() time.Duration { return t.waited }

// Release frees the slot and wakes one waiter.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		g := t.gate
		g.mu.Lock()
		g.current = ""
		g.mu.Unlock()
		g.releases.Add(1)
		<-g.slot
	})
}

// Admit blocks until the slot is free, then records label as the in-flight
// command. It fails with the context error or ErrTimeout.
func (g *Gate) Admit(ctx context.Context, label string) (*Ticket, error) {
	start := g.clock.Now()
	select {
	case g.slot <- struct{}{}:
		return g.grant(label, 0), nil
	default:
	}
	g.waiting.Add(1)
	defer g.waiting.Add(-1)
	var expired <-chan time.Time
	if g.timeout > 0 {
		expired = g.clock.After(g.timeout)
	}
	select {
	case g.slot <- struct{}{}:
		return g.grant(label, g.clock.Now().Sub(start)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expired:
		return nil, ErrTimeout
	}
}

func (g *Gate) grant(label string, waited time.Duration) *Ticket {
	g.mu.Lock()
	g.current = label
	g.mu.Unlock()
	g.admits.Add(1)
	return &Ticket{gate: g, label: label, waited: waited}
}

// Stats is a point-in-time view of a gate.
type Stats struct {
	Occupied bool
	Current  string
	Admits   int64
	Releases int64
	Waiting  int64
}

// Stats reports the gate's counters and current occupant.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	current := g.current
	g.mu.Unlock()
	return Stats{
		Occupied: len(g.slot) == 1,
		Current:  current,
		Admits:   g.admits.Load(),
		Releases: g.releases.Load(),
		Waiting:  g.waiting.Load(),
	}
}

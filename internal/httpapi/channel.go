package httpapi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"pkt.systems/gridgate/internal/gate"
	"pkt.systems/gridgate/internal/transfer"
)

// Channel is the per-connection unit of serialization. Requests multiplexed
// on one connection share its gate and its staged upload.
type Channel struct {
	id     string
	remote string
	gate   *gate.Gate
	guard  *transfer.Guard
}

// ID returns the channel identifier used in logs.
func (c *Channel) ID() string { return c.id }

// Gate returns the channel's single flight gate.
func (c *Channel) Gate() *gate.Gate { return c.gate }

type channelKey struct{}

type channelRegistry struct {
	mu    sync.Mutex
	next  atomic.Uint64
	conns map[net.Conn]*Channel
	build func(id, remote string) *Channel
}

func newChannelRegistry(build func(id, remote string) *Channel) *channelRegistry {
	return &channelRegistry{conns: make(map[net.Conn]*Channel), build: build}
}

func (r *channelRegistry) open(c net.Conn) *Channel {
	remote := ""
	if addr := c.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	ch := r.build(channelID(r.next.Add(1)), remote)
	r.mu.Lock()
	r.conns[c] = ch
	r.mu.Unlock()
	return ch
}

func (r *channelRegistry) close(c net.Conn) {
	r.mu.Lock()
	ch, ok := r.conns[c]
	delete(r.conns, c)
	r.mu.Unlock()
	if ok {
		ch.guard.Reset()
	}
}

func (r *channelRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func channelID(n uint64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "c0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%36]
		n /= 36
	}
	return "c" + string(buf[i:])
}

// ConnContext attaches a fresh channel to every accepted connection. Install
// it as http.Server.ConnContext.
func (h *Handler) ConnContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, channelKey{}, h.channels.open(c))
}

// ConnState drops the channel of a closed or hijacked connection. Install it
// as http.Server.ConnState.
func (h *Handler) ConnState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateClosed, http.StateHijacked:
		h.channels.close(c)
	}
}

func (h *Handler) channelFor(r *http.Request) *Channel {
	if ch, ok := r.Context().Value(channelKey{}).(*Channel); ok && ch != nil {
		return ch
	}
	return h.defaultChannel
}

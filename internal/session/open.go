package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pkt.systems/gridgate/internal/clock"
)

// Open builds a Store from rawURL: "" or mem:// for memory, redis:// or
// rediss:// for Redis.
func Open(ctx context.Context, rawURL string, ttl time.Duration, clk clock.Clock) (Store, error) {
	switch {
	case rawURL == "", strings.HasPrefix(rawURL, "mem://"):
		return NewMemory(ttl, clk), nil
	case strings.HasPrefix(rawURL, "redis://"), strings.HasPrefix(rawURL, "rediss://"):
		return OpenRedis(ctx, rawURL, ttl)
	default:
		return nil, fmt.Errorf("session: unsupported store %q", rawURL)
	}
}

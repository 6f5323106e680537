package retry

import (
	"context"
	"io"
	"time"

	"pkt.systems/gridgate/internal/clock"
	"pkt.systems/gridgate/internal/storage"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
// Puts are only retried when the body can be rewound.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{inner: inner, logger: logger, clock: clk, cfg: cfg}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	var result storage.GetObjectResult
	err := b.withRetry(ctx, "get_object", key, func(ctx context.Context) error {
		var err error
		result, err = b.inner.GetObject(ctx, key)
		return err
	})
	return result, err
}

func (b *backend) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := b.withRetry(ctx, "stat_object", key, func(ctx context.Context) error {
		var err error
		info, err = storage.Stat(ctx, b.inner, key)
		return err
	})
	return info, err
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	seeker, rewindable := body.(io.Seeker)
	var start int64
	if rewindable {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			rewindable = false
		}
		start = pos
	}
	if !rewindable {
		return b.inner.PutObject(ctx, key, body, opts)
	}
	var info *storage.ObjectInfo
	attempt := 0
	err := b.withRetry(ctx, "put_object", key, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return err
			}
		}
		var err error
		info, err = b.inner.PutObject(ctx, key, body, opts)
		return err
	})
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	return b.withRetry(ctx, "delete_object", key, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, key, opts)
	})
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage.retry.transient",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(delay):
		}
		next := time.Duration(float64(delay) * b.cfg.Multiplier)
		if next > b.cfg.MaxDelay {
			next = b.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}

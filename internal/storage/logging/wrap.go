package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/gridgate/internal/correlation"
	"pkt.systems/gridgate/internal/storage"
	"pkt.systems/pslog"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/gridgate/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "gridgate.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("gridgate.storage.operation", op),
		attribute.String("gridgate.storage.key", key),
		attribute.String("gridgate.sys", b.sys),
	)
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = b.logger
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("gridgate.correlation_id", corr))
	}
	logger.Trace("storage."+op+".begin", "key", key)
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "key", key, "error", err, "elapsed", elapsed)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Trace("storage."+op+".success", "key", key, "elapsed", elapsed)
	}
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, span, _, finish := b.start(ctx, "get_object", key)
	defer span.End()
	result, err := b.inner.GetObject(ctx, key)
	if err == nil && result.Info != nil {
		span.SetAttributes(attribute.Int64("gridgate.storage.object_size", result.Info.Size))
	}
	finish(err)
	return result, err
}

func (b *backend) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	ctx, span, _, finish := b.start(ctx, "stat_object", key)
	defer span.End()
	info, err := storage.Stat(ctx, b.inner, key)
	finish(err)
	return info, err
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, _, finish := b.start(ctx, "put_object", key)
	defer span.End()
	span.SetAttributes(attribute.Int64("gridgate.storage.declared_size", opts.Size))
	info, err := b.inner.PutObject(ctx, key, body, opts)
	if err == nil && info != nil {
		span.SetAttributes(attribute.Int64("gridgate.storage.object_size", info.Size))
	}
	finish(err)
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, span, _, finish := b.start(ctx, "delete_object", key)
	defer span.End()
	err := b.inner.DeleteObject(ctx, key, opts)
	finish(err)
	return err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

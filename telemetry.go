package gridgate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/gridgate/internal/version"
	"pkt.systems/pslog"
)

// telemetry owns the trace and meter providers plus the metrics listener.
type telemetry struct {
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
	metrics *http.Server
	addr    net.Addr
	logger  pslog.Logger
}

type otelErrorHandler struct{ logger pslog.Logger }

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

// otlpTarget is a parsed --otlp-endpoint.
type otlpTarget struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// setupTelemetry installs global providers. It returns nil when neither an
// OTLP endpoint nor a metrics listener is configured.
func setupTelemetry(ctx context.Context, cfg Config, logger pslog.Logger) (*telemetry, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	metricsListen := strings.TrimSpace(cfg.MetricsListen)
	if endpoint == "" && metricsListen == "" {
		return nil, nil
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("gridgate"),
			semconv.ServiceVersion(version.Current()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	t := &telemetry{logger: logger}

	if endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		var exporter sdktrace.SpanExporter
		switch target.protocol {
		case "grpc":
			exporter, err = grpcExporter(ctx, target)
		default:
			exporter, err = httpExporter(ctx, target)
		}
		if err != nil {
			return nil, err
		}
		t.tracer = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(t.tracer)
		logger.Info("telemetry.tracing.enabled", "protocol", target.protocol, "endpoint", target.endpoint, "insecure", target.insecure)
	}

	if metricsListen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		exporter, err := otelprometheus.New(
			otelprometheus.WithRegisterer(registry),
			otelprometheus.WithProducer(otelruntime.NewProducer()),
		)
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("telemetry: prometheus exporter: %w", err)
		}
		t.meter = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(t.meter)
		runtimeOnce.Do(func() {
			runtimeErr = otelruntime.Start(otelruntime.WithMeterProvider(t.meter))
		})
		if runtimeErr != nil {
			logger.Warn("telemetry.runtime.start_failed", "error", runtimeErr)
		}
		if err := t.serveMetrics(metricsListen, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})); err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}
		logger.Info("telemetry.metrics.enabled", "listen", t.addr.String())
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return t, nil
}

func (t *telemetry) serveMetrics(addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("telemetry: metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	t.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	t.addr = ln.Addr()
	go func() {
		if err := t.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.metrics.serve_error", "error", err)
		}
	}()
	return nil
}

// MetricsAddr returns the bound metrics address, or nil.
func (t *telemetry) MetricsAddr() net.Addr {
	if t == nil {
		return nil
	}
	return t.addr
}

// Shutdown flushes exporters and stops the metrics listener.
func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.metrics != nil {
		if err := t.metrics.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if t.meter != nil {
		if err := t.meter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	if t.tracer != nil {
		if err := t.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn("telemetry.shutdown.failed", "error", err)
		return err
	}
	return nil
}

func grpcExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	creds := credentials.NewClientTLSFromCert(nil, "")
	if target.insecure {
		creds = insecure.NewCredentials()
	}
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(target.endpoint),
		otlptracegrpc.WithTimeout(10 * time.Second),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)),
	}
	if target.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: otlp grpc exporter: %w", err)
	}
	return exp, nil
}

func httpExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(target.endpoint),
		otlptracehttp.WithTimeout(10 * time.Second),
	}
	if target.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if target.path != "" && target.path != "/" {
		opts = append(opts, otlptracehttp.WithURLPath(target.path))
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: otlp http exporter: %w", err)
	}
	return exp, nil
}

// resolveOTLPTarget accepts host[:port] (plain grpc) or a grpc://, grpcs://,
// http:// or https:// URL.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, errors.New("telemetry: empty otlp endpoint")
	}
	if !strings.Contains(raw, "://") {
		return otlpTarget{protocol: "grpc", endpoint: withPort(raw, "4317"), insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse otlp endpoint: %w", err)
	}
	if u.Host == "" {
		return otlpTarget{}, errors.New("telemetry: otlp endpoint missing host")
	}
	target := otlpTarget{path: strings.TrimSuffix(u.Path, "/")}
	switch strings.ToLower(u.Scheme) {
	case "grpc", "grpcs":
		target.protocol = "grpc"
		target.endpoint = withPort(u.Host, "4317")
	case "http", "https":
		target.protocol = "http"
		target.endpoint = withPort(u.Host, "4318")
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown otlp scheme %q", u.Scheme)
	}
	target.insecure = u.Scheme == "grpc" || u.Scheme == "http"
	return target, nil
}

func withPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}

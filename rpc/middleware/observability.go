package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ObservabilityConfig struct {
	ServiceName   string
	MetricsPrefix string
	LogRequests   bool
}

// Observability wraps JSON-RPC handlers with a span, call counters and latency
// histograms labelled by RPC method.
type Observability struct {
	cfg       ObservabilityConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

type callInfoKey struct{}

type callInfo struct {
	method string
}

// SetRPCMethod records the JSON-RPC method of the current request so the
// surrounding middleware can label it. It is a no-op outside the middleware.
func SetRPCMethod(ctx context.Context, method string) {
	if info, ok := ctx.Value(callInfoKey{}).(*callInfo); ok {
		info.method = method
	}
}

// NewObservability registers its collectors on reg; a nil reg keeps them
// private.
func NewObservability(cfg ObservabilityConfig, reg prometheus.Registerer, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "omnid"
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "omnid_rpc"
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "requests_total",
		Help:      "JSON-RPC calls by method and HTTP status.",
	}, []string{"method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "request_duration_seconds",
		Help:      "JSON-RPC call latency by method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
	if reg != nil {
		reg.MustRegister(requests, durations)
	}
	return &Observability{
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(cfg.ServiceName),
		requests:  requests,
		durations: durations,
	}
}

func (o *Observability) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		info := &callInfo{method: "unknown"}
		ctx := context.WithValue(r.Context(), callInfoKey{}, info)
		ctx, span := o.tracer.Start(ctx, "jsonrpc", trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("request.id", RequestIDFromContext(r.Context()))))
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		span.SetName("jsonrpc " + info.method)
		span.SetAttributes(
			attribute.String("rpc.method", info.method),
			attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
		}
		span.End()

		elapsed := time.Since(start).Seconds()
		o.requests.WithLabelValues(info.method, strconv.Itoa(recorder.status)).Inc()
		o.durations.WithLabelValues(info.method).Observe(elapsed)
		if o.cfg.LogRequests {
			o.logger.Info("rpc call",
				slog.String("method", info.method),
				slog.Int("status", recorder.status),
				slog.Float64("ms", elapsed*1000),
				slog.String("requestId", RequestIDFromContext(r.Context())))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

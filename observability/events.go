package observability

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"omniverse/core/events"
	"omniverse/core/types"
)

// EventSink counts protocol events by type, in prometheus and on the global
// OpenTelemetry meter, logs them, and forwards them to an optional next
// emitter.
type EventSink struct {
	logger  *slog.Logger
	counter *prometheus.CounterVec
	otelCtr metric.Int64Counter
	next    events.Emitter
}

// NewEventSink registers its counter on reg when reg is non-nil.
func NewEventSink(reg prometheus.Registerer, logger *slog.Logger, next events.Emitter) *EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = events.NoopEmitter{}
	}
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "omniverse",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Count of protocol events segmented by type.",
	}, []string{"type"})
	if reg != nil {
		reg.MustRegister(counter)
	}
	otelCtr, err := otel.Meter("omniverse/events").Int64Counter("omniverse.events",
		metric.WithDescription("Protocol events segmented by type."))
	if err != nil {
		logger.Warn("otel event counter unavailable", slog.Any("error", err))
	}
	return &EventSink{logger: logger, counter: counter, otelCtr: otelCtr, next: next}
}

type attributed interface {
	Event() *types.Event
}

func (s *EventSink) Emit(e events.Event) {
	if e == nil {
		return
	}
	typ := e.EventType()
	s.counter.WithLabelValues(typ).Inc()
	if s.otelCtr != nil {
		s.otelCtr.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", typ)))
	}
	if a, ok := e.(attributed); ok {
		s.logger.Info("protocol event", slog.String("type", typ), slog.Any("attributes", a.Event().Attributes))
	} else {
		s.logger.Info("protocol event", slog.String("type", typ))
	}
	s.next.Emit(e)
}

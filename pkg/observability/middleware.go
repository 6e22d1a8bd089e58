package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys for the HTTP front door.
const (
	AttrHTTPMethod = attribute.Key("http.method")
	AttrHTTPPath   = attribute.Key("http.target")
)

// InstrumentRoute counts requests to one gateway route and observes their
// latency, labelled by route, method and status code. Streaming routes are
// observed when the stream ends.
func (m *Metrics) InstrumentRoute(route string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	counter := m.httpRequests.MustCurryWith(labels)
	duration := m.httpDuration.MustCurryWith(labels)
	inFlight := m.httpInFlight.WithLabelValues(route)

	return promhttp.InstrumentHandlerInFlight(inFlight,
		promhttp.InstrumentHandlerDuration(duration,
			promhttp.InstrumentHandlerCounter(counter, next)))
}

// Middleware continues the client's trace, if any, and wraps each request
// in a server span. Dispatch spans started by handlers become its children.
// A panicking handler is recorded on the span before the panic continues.
func (t *Tracing) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := t.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := t.tracer.Start(ctx, "HTTP "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				AttrHTTPMethod.String(r.Method),
				AttrHTTPPath.String(r.URL.Path),
			),
		)
		defer span.End()

		defer func() {
			if rec := recover(); rec != nil {
				span.RecordError(fmt.Errorf("panic: %v", rec))
				span.SetStatus(codes.Error, "panic")
				panic(rec)
			}
		}()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

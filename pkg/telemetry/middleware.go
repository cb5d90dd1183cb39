// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/stacklok/authgate/pkg/telemetry"

var (
	attrMethod = attribute.Key("http.request.method")
	attrRoute  = attribute.Key("http.route")
	attrStatus = attribute.Key("http.response.status_code")
)

// HTTPMiddleware records a span, a request counter and a latency histogram
// for every request, labelled by chi route pattern.
type HTTPMiddleware struct {
	tracer          trace.Tracer
	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewHTTPMiddleware creates the middleware from p's providers.
func NewHTTPMiddleware(p *Provider) *HTTPMiddleware {
	meter := p.MeterProvider().Meter(instrumentationName)

	// Instrument creation only fails on invalid names; the noop fallbacks keep the handler usable.
	requestCounter, _ := meter.Int64Counter(
		"authgate_http_requests",
		metric.WithDescription("Total number of HTTP requests"),
	)
	requestDuration, _ := meter.Float64Histogram(
		"authgate_http_request_duration",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
	)

	return &HTTPMiddleware{
		tracer:          p.TracerProvider().Tracer(instrumentationName),
		requestCounter:  requestCounter,
		requestDuration: requestDuration,
	}
}

// Handler wraps next.
func (m *HTTPMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := m.tracer.Start(r.Context(), r.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(attrMethod.String(r.Method), attrRoute.String(route), attrStatus.Int(rw.statusCode))
		if rw.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
		}

		attrs := metric.WithAttributes(
			attrMethod.String(r.Method),
			attrRoute.String(route),
			attrStatus.Int(rw.statusCode),
		)
		if m.requestCounter != nil {
			m.requestCounter.Add(ctx, 1, attrs)
		}
		if m.requestDuration != nil {
			m.requestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
	})
}

// routePattern is the matched chi pattern, so ids in paths do not explode
// label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

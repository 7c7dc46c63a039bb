package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "talk2task/api"
	requestSpanName = "talk2task.api.request"
	metricsMessage  = "request.metrics"
	attrPrefix      = "talk2task."
)

type stageDuration struct {
	stage    string
	duration time.Duration
}

// requestMetrics collects per-stage timings for one request and emits them as
// a single log line and span when the request finishes.
type requestMetrics struct {
	logger     *log.Logger
	route      string
	start      time.Time
	stages     []stageDuration
	fields     log.Fields
	errorStage string
	err        error
	span       trace.Span
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)),
	)
	return &requestMetrics{
		logger: logger,
		route:  route,
		start:  time.Now(),
		fields: log.Fields{},
		span:   span,
	}, ctx
}

// Observe records how long a stage took. Repeated stages accumulate.
func (m *requestMetrics) Observe(stage string, d time.Duration) {
	if d <= 0 {
		return
	}
	for i := range m.stages {
		if m.stages[i].stage == stage {
			m.stages[i].duration += d
			return
		}
	}
	m.stages = append(m.stages, stageDuration{stage: stage, duration: d})
}

// Time runs fn and records its duration under stage.
func (m *requestMetrics) Time(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.Observe(stage, time.Since(start))
	return err
}

func (m *requestMetrics) Set(key string, value any) {
	m.fields[key] = value
}

func (m *requestMetrics) Fail(stage string, err error) {
	if stage != "" {
		m.errorStage = stage
	}
	m.err = err
}

func (m *requestMetrics) Log(status int) {
	if m == nil {
		return
	}
	total := time.Since(m.start)

	fields := log.Fields{
		"route":    m.route,
		"status":   status,
		"total_ms": durationToMillis(total),
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64(attrPrefix+"total_ms", durationToMillis(total)),
	}
	for _, s := range m.stages {
		key := s.stage + "_ms"
		fields[key] = durationToMillis(s.duration)
		attrs = append(attrs, attribute.Float64(attrPrefix+key, durationToMillis(s.duration)))
	}
	for k, v := range m.fields {
		fields[k] = v
		if kv, ok := attributeFor(attrPrefix+k, v); ok {
			attrs = append(attrs, kv)
		}
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
		attrs = append(attrs, attribute.String(attrPrefix+"error_stage", m.errorStage))
	}
	if m.err != nil {
		fields["error"] = m.err.Error()
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		if m.err != nil && status >= http.StatusInternalServerError {
			m.span.RecordError(m.err)
			m.span.SetStatus(codes.Error, m.err.Error())
		} else if status >= http.StatusInternalServerError {
			m.span.SetStatus(codes.Error, http.StatusText(status))
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	m.logger.WithFields(fields).Log(levelForStatus(status), metricsMessage)
}

func levelForStatus(status int) log.Level {
	switch {
	case status >= http.StatusInternalServerError || status == 0:
		return log.ErrorLevel
	case status >= http.StatusBadRequest:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func attributeFor(key string, v any) (attribute.KeyValue, bool) {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val), true
	case bool:
		return attribute.Bool(key, val), true
	case int:
		return attribute.Int(key, val), true
	case int64:
		return attribute.Int64(key, val), true
	case float64:
		return attribute.Float64(key, val), true
	default:
		return attribute.KeyValue{}, false
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

package monitoring

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"
)

// TraceID identifies one scoring run or request across its spans
type TraceID string

// SpanID identifies one stage
type SpanID string

// SpanStatus represents the status of a span
type SpanStatus string

const (
	SpanStatusOK    SpanStatus = "ok"
	SpanStatusError SpanStatus = "error"
)

// Span times one stage of work
type Span struct {
	TraceID   TraceID           `json:"trace_id"`
	SpanID    SpanID            `json:"span_id"`
	ParentID  SpanID            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	Duration  time.Duration     `json:"duration"`
	Tags      map[string]string `json:"tags,omitempty"`
	Error     string            `json:"error,omitempty"`
	Status    SpanStatus        `json:"status"`
}

type spanKey struct{}

// Tracer writes one log line per finished span
type Tracer struct {
	serviceName string
	logger      *Logger
}

// NewTracer creates a new tracer instance
func NewTracer(serviceName string, logger *Logger) *Tracer {
	return &Tracer{serviceName: serviceName, logger: logger}
}

// SpanOption configures a span at start
type SpanOption func(*Span)

// WithTag sets a tag on the span
func WithTag(key, value string) SpanOption {
	return func(span *Span) {
		span.Tags[key] = value
	}
}

// StartSpan starts a span, inheriting the trace of any span already in ctx
func (t *Tracer) StartSpan(ctx context.Context, operation string, opts ...SpanOption) (*Span, context.Context) {
	span := &Span{
		SpanID:    SpanID(randomHex(8)),
		Operation: operation,
		StartTime: time.Now(),
		Tags:      make(map[string]string),
		Status:    SpanStatusOK,
	}
	if parent := SpanFromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	} else {
		span.TraceID = TraceID(randomHex(16))
	}

	for _, opt := range opts {
		opt(span)
	}

	return span, context.WithValue(ctx, spanKey{}, span)
}

// EndSpan finishes a span and logs it
func (t *Tracer) EndSpan(span *Span, err error) {
	span.Duration = time.Since(span.StartTime)
	if err != nil {
		span.Error = err.Error()
		span.Status = SpanStatusError
	}

	attrs := []any{
		"trace_id", span.TraceID,
		"span_id", span.SpanID,
		"service", t.serviceName,
		"operation", span.Operation,
		"status", span.Status,
		"duration_ms", span.Duration.Milliseconds(),
	}
	if span.ParentID != "" {
		attrs = append(attrs, "parent_id", span.ParentID)
	}
	if span.Error != "" {
		attrs = append(attrs, "error", span.Error)
	}
	for k, v := range span.Tags {
		attrs = append(attrs, "tag_"+k, v)
	}

	if err != nil {
		t.logger.Warn("Trace Span", attrs...)
		return
	}
	t.logger.Debug("Trace Span", attrs...)
}

// SpanFromContext returns the active span, if any
func SpanFromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(spanKey{}).(*Span); ok {
		return span
	}
	return nil
}

// TraceFunction runs fn inside a span
func TraceFunction(ctx context.Context, tracer *Tracer, operation string, fn func(context.Context) error) error {
	span, spanCtx := tracer.StartSpan(ctx, operation)

	defer func() {
		if r := recover(); r != nil {
			tracer.EndSpan(span, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err := fn(spanCtx)
	tracer.EndSpan(span, err)
	return err
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

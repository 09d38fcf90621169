package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SpanStatus is the outcome recorded on a span.
type SpanStatus int

const (
	SpanStatusUnset SpanStatus = iota
	SpanStatusOK
	SpanStatusError
)

// Span is one traced unit of work.
type Span interface {
	End()
	SetStatus(status SpanStatus, description string)
	SetAttribute(key string, value any)
	RecordError(err error)
	TraceID() string
}

// Tracer starts spans.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...any) (context.Context, Span)
}

type noopSpan struct{}

func (noopSpan) End()                         {}
func (noopSpan) SetStatus(SpanStatus, string) {}
func (noopSpan) SetAttribute(string, any)     {}
func (noopSpan) RecordError(error)            {}
func (noopSpan) TraceID() string              { return "" }

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string, _ ...any) (context.Context, Span) {
	return ctx, noopSpan{}
}

// logSpan writes one structured log record when it ends.
type logSpan struct {
	mu         sync.Mutex
	name       string
	traceID    string
	spanID     string
	start      time.Time
	logger     *slog.Logger
	attrs      []any
	status     SpanStatus
	statusDesc string
	err        error
}

func (s *logSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := append([]any{
		"span", s.name,
		"trace_id", s.traceID,
		"span_id", s.spanID,
		"duration_ms", time.Since(s.start).Milliseconds(),
	}, s.attrs...)

	switch {
	case s.err != nil:
		s.logger.Error("span failed", append(args, "error", s.err)...)
	case s.status == SpanStatusError:
		s.logger.Warn("span completed with error status", append(args, "status_description", s.statusDesc)...)
	default:
		s.logger.Debug("span completed", args...)
	}
}

func (s *logSpan) SetStatus(status SpanStatus, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.statusDesc = description
}

func (s *logSpan) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs = append(s.attrs, key, value)
}

func (s *logSpan) RecordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.status = SpanStatusError
}

func (s *logSpan) TraceID() string {
	return s.traceID
}

// LogTracer is a Tracer that reports spans through slog.
type LogTracer struct {
	logger  *slog.Logger
	service string
	counter atomic.Uint64
}

// NewLogTracer creates a LogTracer. A nil logger selects slog.Default().
func NewLogTracer(logger *slog.Logger, service string) *LogTracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTracer{logger: logger.With("service", service), service: service}
}

// Start begins a span. Spans started from a context that already carries a
// span share its trace id.
func (t *LogTracer) Start(ctx context.Context, name string, attrs ...any) (context.Context, Span) {
	traceID := ""
	if parent, ok := ctx.Value(spanKey{}).(Span); ok {
		traceID = parent.TraceID()
	}
	if traceID == "" {
		traceID = fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	span := &logSpan{
		name:    name,
		traceID: traceID,
		spanID:  fmt.Sprintf("%016x", t.counter.Add(1)),
		start:   time.Now(),
		logger:  t.logger,
		attrs:   attrs,
	}
	return context.WithValue(ctx, spanKey{}, Span(span)), span
}

type spanKey struct{}

// SpanFromContext returns the active span, or a no-op span.
func SpanFromContext(ctx context.Context) Span {
	if span, ok := ctx.Value(spanKey{}).(Span); ok {
		return span
	}
	return noopSpan{}
}

var (
	globalTracer   Tracer = noopTracer{}
	globalTracerMu sync.RWMutex
)

// SetTracer installs the tracer used by StartSpan. nil restores the no-op tracer.
func SetTracer(t Tracer) {
	globalTracerMu.Lock()
	defer globalTracerMu.Unlock()
	if t == nil {
		t = noopTracer{}
	}
	globalTracer = t
}

// GetTracer returns the installed tracer.
func GetTracer() Tracer {
	globalTracerMu.RLock()
	defer globalTracerMu.RUnlock()
	return globalTracer
}

// StartSpan starts a span on the installed tracer.
func StartSpan(ctx context.Context, name string, attrs ...any) (context.Context, Span) {
	return GetTracer().Start(ctx, name, attrs...)
}

// TraceFunc runs fn inside a span and records its error.
func TraceFunc(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := StartSpan(ctx, name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	span.SetStatus(SpanStatusOK, "")
	return nil
}

// Common span attribute keys.
const (
	AttrJobName      = "job.name"
	AttrBuildNumber  = "build.number"
	AttrEnvironment  = "build.environment"
	AttrRepository   = "repository.name"
	AttrQueueItem    = "queue.item"
	AttrCommandName  = "command.name"
	AttrQuerySince   = "query.since"
	AttrQueryRuns    = "query.runs"
	AttrErrorMessage = "error.message"
)

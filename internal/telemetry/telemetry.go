// Package telemetry wires structured logging and distributed tracing for
// the engine, mirroring the teacher's *zap.SugaredLogger logging and
// go.opentelemetry.io/otel span helpers (graphjin's gj.spanStart /
// Spaner interface).
package telemetry

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// shortTimeEncoder encodes time in HH:MM:SS format for cleaner console output.
func shortTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("15:04:05"))
}

// NewLogger creates a new zap logger instance.
// json - if true logs are in json format.
func NewLogger(json bool) *zap.SugaredLogger {
	econf := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	econf.EncodeTime = shortTimeEncoder

	var core zapcore.Core
	if json {
		core = zapcore.NewCore(zapcore.NewJSONEncoder(econf), os.Stdout, zap.DebugLevel)
	} else {
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(econf), os.Stdout, zap.DebugLevel)
	}
	return zap.New(core).Sugar()
}

// Tracer wraps an otel Tracer with the narrow span helper the engine's
// components call at suspension points (SQL execution, source I/O,
// reconciliation), grounded on graphjin's gj.spanStart(name) -> (ctx, span).
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer builds a Tracer backed by an in-process (no exporter) SDK
// provider by default; callers that want traces shipped somewhere can
// pass their own sdktrace.TracerProvider via NewTracerWithProvider.
func NewTracer(instrumentationName string) *Tracer {
	provider := sdktrace.NewTracerProvider()
	return &Tracer{tracer: provider.Tracer(instrumentationName)}
}

// NewTracerWithProvider builds a Tracer from an externally configured
// provider, letting the façade's Init wire a real exporter.
func NewTracerWithProvider(provider trace.TracerProvider, instrumentationName string) *Tracer {
	return &Tracer{tracer: provider.Tracer(instrumentationName)}
}

// Span wraps an otel trace.Span with Error/End helpers matching the
// teacher's Spaner interface shape (core/api.go's Spaner referenced from
// core/core.go's gj.spanStart).
type Span struct {
	span trace.Span
}

// Start begins a new span named name as a child of ctx's span, returning
// the derived context and the Span handle.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, Span) {
	c, s := t.tracer.Start(ctx, name)
	return c, Span{span: s}
}

// SpanContext returns the Span's propagatable context, used to attach
// TraceID/SpanID onto a mview.TraceContext or an ops.HandlerContext.
func (s Span) SpanContext() trace.SpanContext { return s.span.SpanContext() }

// SetAttributesString sets one string attribute on the span.
func (s Span) SetAttributesString(key, value string) {
	s.span.SetAttributes(attribute.String(key, value))
}

// Error records err on the span and marks its status as an error.
func (s Span) Error(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End completes the span.
func (s Span) End() { s.span.End() }

// NoopTracer returns a Tracer backed by otel's global no-op provider, for
// callers that don't need tracing wired.
func NoopTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer("holon/noop")}
}

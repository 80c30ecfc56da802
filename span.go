// Copyright 2025 The Loomtrace Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a new span with the given name. The span is derived from
// the current context at the call site, so baggage set before this call is
// visible to the enrichment processor; the tracer's own identifiers are
// seeded for any key not already present.
//
// Returns a new context with the span attached and the span itself. The span
// should always be ended.
//
// Example:
//
//	ctx, span := tracer.StartSpan(ctx, "rank-candidates")
//	defer tracing.EndSpan(span, nil)
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx = t.Context(ctx)
	return t.tracer.Start(ctx, name, opts...)
}

// EndSpan completes the span, recording err when non-nil and setting the
// terminal status accordingly. Safe to call with a nil or non-recording span.
//
// Example:
//
//	ctx, span := tracer.StartSpan(ctx, "generate")
//	result, err := generate(ctx)
//	tracing.EndSpan(span, err)
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if span.IsRecording() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
	span.End()
}

// SetSpanAttribute adds an attribute to the span with type-safe handling.
//
// Supported types with native OpenTelemetry handling:
//   - string: attribute.String
//   - int: attribute.Int
//   - int64: attribute.Int64
//   - float64: attribute.Float64
//   - bool: attribute.Bool
//
// All other types are converted to string using fmt.Sprintf("%v", value).
// This is a no-op if span is nil or not recording.
func SetSpanAttribute(span trace.Span, key string, value any) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(buildAttribute(key, value))
}

// SetSpanAttributeFromContext adds an attribute to the current span from context.
// This is a no-op if no span is recording.
func SetSpanAttributeFromContext(ctx context.Context, key string, value any) {
	SetSpanAttribute(trace.SpanFromContext(ctx), key, value)
}

// AddSpanEvent adds an event to the current span from context with optional
// attributes. This is a no-op if no span is recording.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// TraceID returns the current trace ID from the active span in the context.
// Returns an empty string if no active span or span context is invalid.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// SpanID returns the current span ID from the active span in the context.
// Returns an empty string if no active span or span context is invalid.
func SpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().SpanID().String()
	}
	return ""
}

// buildAttribute creates an OpenTelemetry attribute from a key-value pair.
// Supports string, int, int64, float64, and bool types natively.
// Other types are converted to string using fmt.Sprintf.
func buildAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

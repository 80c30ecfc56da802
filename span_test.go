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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestStartSpanSeedsBaggage(t *testing.T) {
	t.Parallel()

	tracer := TestingTracer(t)

	ctx, span := tracer.StartSpan(context.Background(), "span-seed-test")
	defer span.End()

	// The returned context is discoverable by decorators and enrichment.
	assert.Same(t, tracer, FromContext(ctx))
	assert.True(t, span.IsRecording())
}

func TestEndSpan(t *testing.T) {
	t.Parallel()

	t.Run("nil span is safe", func(t *testing.T) {
		t.Parallel()

		assert.NotPanics(t, func() { EndSpan(nil, nil) })
	})

	t.Run("success status", func(t *testing.T) {
		t.Parallel()

		tracer, recorder := TestingTracerWithRecorder(t)
		_, span := tracer.StartSpan(context.Background(), "endspan-ok-test")
		EndSpan(span, nil)

		spans := spansNamed(recorder, "endspan-ok-test")
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Ok, spans[0].Status().Code)
	})

	t.Run("error status", func(t *testing.T) {
		t.Parallel()

		tracer, recorder := TestingTracerWithRecorder(t)
		_, span := tracer.StartSpan(context.Background(), "endspan-err-test")
		EndSpan(span, errors.New("bad generation"))

		spans := spansNamed(recorder, "endspan-err-test")
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status().Code)
		assert.Equal(t, "bad generation", spans[0].Status().Description)
		require.Len(t, spans[0].Events(), 1)
		assert.Equal(t, "exception", spans[0].Events()[0].Name)
	})
}

func TestSetSpanAttribute(t *testing.T) {
	t.Parallel()

	tracer, recorder := TestingTracerWithRecorder(t)
	ctx, span := tracer.StartSpan(context.Background(), "span-attr-test")

	SetSpanAttribute(span, "count", 3)
	SetSpanAttribute(span, "enabled", true)
	SetSpanAttribute(span, "ratio", 0.5)
	SetSpanAttributeFromContext(ctx, "label", "x")
	span.End()

	spans := spansNamed(recorder, "span-attr-test")
	require.Len(t, spans, 1)
	assert.Equal(t, "3", attrValue(spans[0], "count"))
	assert.Equal(t, "true", attrValue(spans[0], "enabled"))
	assert.Equal(t, "0.5", attrValue(spans[0], "ratio"))
	assert.Equal(t, "x", attrValue(spans[0], "label"))
}

func TestAddSpanEvent(t *testing.T) {
	t.Parallel()

	tracer, recorder := TestingTracerWithRecorder(t)
	ctx, span := tracer.StartSpan(context.Background(), "span-event-test")

	AddSpanEvent(ctx, "cache_hit", attribute.String("key", "user:123"))
	span.End()

	spans := spansNamed(recorder, "span-event-test")
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "cache_hit", spans[0].Events()[0].Name)
}

func TestTraceAndSpanIDs(t *testing.T) {
	t.Parallel()

	tracer := TestingTracer(t)

	assert.Empty(t, TraceID(context.Background()))
	assert.Empty(t, SpanID(context.Background()))

	ctx, span := tracer.StartSpan(context.Background(), "span-ids-test")
	defer span.End()

	assert.Len(t, TraceID(ctx), 32)
	assert.Len(t, SpanID(ctx), 16)
}

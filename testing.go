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
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestingTracer creates a test [Tracer] with sensible defaults for unit tests.
// Test mode skips backend calls and span export, so the tracer has no
// external dependencies. Shutdown is registered via t.Cleanup.
//
// Example:
//
//	func TestSomething(t *testing.T) {
//	    t.Parallel()
//	    tracer := tracing.TestingTracer(t)
//	    // Use tracer...
//	}
func TestingTracer(t testing.TB, opts ...Option) *Tracer {
	t.Helper()

	// Default options for testing
	defaultOpts := []Option{
		WithProject("test-project"),
		WithTestMode(),
	}

	// Allow test-specific options to override defaults
	allOpts := append(defaultOpts, opts...)

	tracer, err := New(allOpts...)
	if err != nil {
		t.Fatalf("TestingTracer: failed to create tracer: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(ctx); err != nil {
			t.Logf("TestingTracer: shutdown warning: %v", err)
		}
	})

	return tracer
}

// TestingTracerWithRecorder creates a test [Tracer] plus an in-memory span
// recorder registered on its provider, so tests can assert on the spans the
// tracer produced (names, attributes, status).
//
// Example:
//
//	func TestSomething(t *testing.T) {
//	    t.Parallel()
//	    tracer, recorder := tracing.TestingTracerWithRecorder(t)
//	    _, span := tracer.StartSpan(context.Background(), "op")
//	    span.End()
//	    spans := recorder.Ended()
//	    // Assert on spans...
//	}
func TestingTracerWithRecorder(t testing.TB, opts ...Option) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()

	tracer := TestingTracer(t, opts...)
	if tracer.sdkProvider == nil {
		t.Fatalf("TestingTracerWithRecorder: tracer has no SDK provider to record from")
	}

	recorder := tracetest.NewSpanRecorder()
	tracer.sdkProvider.RegisterSpanProcessor(recorder)
	t.Cleanup(func() {
		tracer.sdkProvider.UnregisterSpanProcessor(recorder)
	})

	return tracer, recorder
}

// TestingMiddleware creates test middleware with sensible defaults for unit tests.
//
// Example:
//
//	func TestSomething(t *testing.T) {
//	    t.Parallel()
//	    middleware := tracing.TestingMiddleware(t)
//	    handler := middleware(myHandler)
//	    // Use handler...
//	}
func TestingMiddleware(t testing.TB, middlewareOpts ...MiddlewareOption) func(http.Handler) http.Handler {
	t.Helper()

	return Middleware(TestingTracer(t), middlewareOpts...)
}

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

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SyncOperation is a traceable synchronous function.
type SyncOperation[I, O any] func(context.Context, I) (O, error)

// Result carries the outcome of an asynchronous operation.
type Result[O any] struct {
	Value O
	Err   error
}

// AsyncOperation is a traceable asynchronous function. The returned channel
// yields exactly one Result and is then closed.
type AsyncOperation[I, O any] func(context.Context, I) <-chan Result[O]

// DispatchOption configures Traced and TracedAsync wrappers.
type DispatchOption func(*dispatchConfig)

type dispatchConfig struct {
	tracer   *Tracer
	spanOpts []trace.SpanStartOption
}

// WithDispatchTracer pins the wrapper to a specific tracer instance instead
// of resolving one from the call context.
func WithDispatchTracer(t *Tracer) DispatchOption {
	return func(c *dispatchConfig) {
		c.tracer = t
	}
}

// WithSpanOptions forwards span start options to every span the wrapper
// creates.
func WithSpanOptions(opts ...trace.SpanStartOption) DispatchOption {
	return func(c *dispatchConfig) {
		c.spanOpts = append(c.spanOpts, opts...)
	}
}

func buildDispatchConfig(opts []DispatchOption) *dispatchConfig {
	cfg := &dispatchConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// resolve picks the tracer for a call: the pinned tracer when set, otherwise
// whichever tracer seeded ctx's baggage. Nil means the call runs untraced.
func (c *dispatchConfig) resolve(ctx context.Context) *Tracer {
	if c.tracer != nil {
		return c.tracer
	}
	return FromContext(ctx)
}

// Traced wraps a synchronous operation so each invocation runs inside its own
// span. Errors are recorded on the span and returned unchanged; panics are
// recorded and re-raised. When no tracer resolves for the call, the operation
// runs untouched.
//
// Example:
//
//	generate := tracing.Traced("generate", func(ctx context.Context, prompt string) (string, error) {
//	    return model.Generate(ctx, prompt)
//	})
//	completion, err := generate(ctx, prompt)
func Traced[I, O any](name string, op SyncOperation[I, O], opts ...DispatchOption) SyncOperation[I, O] {
	cfg := buildDispatchConfig(opts)

	return func(ctx context.Context, input I) (output O, err error) {
		tracer := cfg.resolve(ctx)
		if tracer == nil {
			return op(ctx, input)
		}

		spanCtx, span := tracer.StartSpan(ctx, name, cfg.spanOpts...)
		defer func() {
			if r := recover(); r != nil {
				recordPanic(span, r)
				span.End()
				panic(r)
			}
			EndSpan(span, err)
		}()

		output, err = op(spanCtx, input)
		return output, err
	}
}

// TracedAsync wraps an asynchronous operation so the span opened at dispatch
// stays alive until the operation's result arrives, however many goroutine
// hops that takes. The span's status follows the Result's Err; a panic while
// starting the operation is recorded and re-raised.
func TracedAsync[I, O any](name string, op AsyncOperation[I, O], opts ...DispatchOption) AsyncOperation[I, O] {
	cfg := buildDispatchConfig(opts)

	return func(ctx context.Context, input I) <-chan Result[O] {
		tracer := cfg.resolve(ctx)
		if tracer == nil {
			return op(ctx, input)
		}

		spanCtx, span := tracer.StartSpan(ctx, name, cfg.spanOpts...)

		inner := func() <-chan Result[O] {
			defer func() {
				if r := recover(); r != nil {
					recordPanic(span, r)
					span.End()
					panic(r)
				}
			}()
			return op(spanCtx, input)
		}()

		out := make(chan Result[O], 1)
		go func() {
			defer close(out)
			res, ok := <-inner
			if !ok {
				// Operation closed its channel without a result.
				span.End()
				return
			}
			EndSpan(span, res.Err)
			out <- res
		}()
		return out
	}
}

func recordPanic(span trace.Span, r any) {
	err := fmt.Errorf("panic: %v", r)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

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

// Package tracing provides OpenTelemetry-based observability for LLM
// applications. Spans are grouped into backend sessions, enriched with
// project, source, and experiment context through baggage, and exported over
// OTLP (gRPC or HTTP), stdout, or not at all.
//
// # Basic Usage
//
//	import (
//	    "context"
//	    "log"
//	    "loomtrace.dev/tracing"
//	)
//
//	tracer, err := tracing.New(
//	    tracing.WithAPIKey("lt-..."),
//	    tracing.WithProject("chat-api"),
//	    tracing.WithSource("production"),
//	    tracing.WithOTLP("localhost:4317"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := tracer.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer tracer.Shutdown(context.Background())
//
// # Sessions
//
// Start creates a backend session; every span started from a context seeded
// by the tracer carries the session id, project, and source in both the
// stable "loomtrace.*" and legacy "association.properties.*" attribute
// namespaces. When the backend is unreachable the tracer degrades to local
// tracing with a warning rather than failing.
//
// # Providers
//
// Four export pipelines are supported:
//
//   - NoopProvider (default): spans are created and enriched but never shipped
//   - StdoutProvider: prints spans to stdout (for development/testing)
//   - OTLPProvider: exports over OTLP gRPC
//   - OTLPHTTPProvider: exports over OTLP HTTP
//
// The first tracer in a process owns the main provider; later tracers attach
// their enrichment processors to it and detach again on Shutdown without
// tearing the shared pipeline down.
//
// # Spans and Enrichment
//
//	ctx, span := tracer.StartSpan(ctx, "generate")
//	defer func() { tracing.EndSpan(span, err) }()
//
//	tracing.EnrichSpanDirect(ctx,
//	    tracing.WithMetadata(map[string]any{"model": "gpt-4o"}),
//	    tracing.WithMetric("latency_ms", 412),
//	)
//
// Scoped enrichment accumulates state and applies it when the block ends,
// even on panic:
//
//	scope := tracing.EnrichSpanScoped(ctx, tracing.WithInputs(prompt))
//	defer scope.End()
//	scope.Add(tracing.WithOutputs(completion))
//
// Session-level enrichment goes to the backend record instead of a span:
//
//	tracing.EnrichSession(ctx, tracing.WithFeedback(map[string]any{"rating": 5}))
//
// # Wrapping Functions
//
// Traced and TracedAsync wrap functions so each call runs in its own span,
// resolving the tracer from the call context:
//
//	generate := tracing.Traced("generate", generateFn)
//	completion, err := generate(tracer.Context(ctx), prompt)
//
// # Experiments
//
// Experiment context is detected from the environment (LOOMTRACE_*, MLflow,
// or Weights & Biases variables) or set explicitly with WithExperiment, and
// stamped onto every session span.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Start, Flush, and Shutdown are
// idempotent; baggage operations are copy-on-write and never mutate the
// parent context.
package tracing

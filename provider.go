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
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace/noop"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// instrumentationScope names the tracer scope used for all spans.
const instrumentationScope = "loomtrace.dev/tracing"

// Provider represents the available export pipelines.
type Provider string

const (
	// NoopProvider is a no-op pipeline that doesn't export anything (default).
	NoopProvider Provider = "noop"

	// StdoutProvider exports spans to stdout (development/testing).
	StdoutProvider Provider = "stdout"

	// OTLPProvider exports spans via OTLP gRPC protocol.
	OTLPProvider Provider = "otlp"

	// OTLPHTTPProvider exports spans via OTLP HTTP protocol.
	OTLPHTTPProvider Provider = "otlp-http"
)

// providerShare tracks the process-wide main provider and how many tracers
// contribute processors to it. At most one tracer owns the main provider;
// later tracers attach to it and may only add processors, never remove or
// reconfigure ones they do not own. The reference count guards owner shutdown
// against live attachments.
var providerShare struct {
	mu      sync.Mutex
	main    *sdktrace.TracerProvider
	ownerID string
	refs    int

	// ownerGone is set when the owner shut down while attachments were
	// still live; the last attached tracer then closes the provider.
	ownerGone bool
}

// acquireProvider wires the tracer to a span pipeline.
//
// With a custom provider (WithTracerProvider) the tracer uses it as-is,
// attaching its enrichment processor when the provider is an SDK provider.
// Otherwise the adapter attaches to the process-wide main provider when one
// exists, or constructs a new one, registers it process-wide, and becomes its
// owner. Construction itself cannot fail; exporter wiring happens later in
// attachExporter and degrades on failure, so the tracer is always usable.
func (t *Tracer) acquireProvider() {
	if t.customTracerProvider {
		if sdkTP, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
			sdkTP.RegisterSpanProcessor(t.processor)
			t.sdkProvider = sdkTP
		}
		t.tracer = t.tracerProvider.Tracer(instrumentationScope)
		t.emitDebug("Using custom user-provided tracer provider")

		return
	}

	providerShare.mu.Lock()
	defer providerShare.mu.Unlock()

	// Attach to an existing main provider: ours first, then anything another
	// library already registered process-wide.
	existing := providerShare.main
	if existing == nil {
		if sdkTP, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
			existing = sdkTP
			providerShare.main = sdkTP
		}
	}
	if existing != nil {
		existing.RegisterSpanProcessor(t.processor)
		providerShare.refs++
		t.sdkProvider = existing
		t.tracerProvider = existing
		t.tracer = existing.Tracer(instrumentationScope)
		t.emitDebug("Attached to existing tracer provider", "tracer_id", t.id)

		return
	}

	// No main provider yet; construct and own one.
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(createResource(t.project, t.source)),
	)
	tp.RegisterSpanProcessor(t.processor)
	otel.SetTracerProvider(tp)

	providerShare.main = tp
	providerShare.ownerID = t.id
	providerShare.refs = 1

	t.sdkProvider = tp
	t.tracerProvider = tp
	t.tracer = tp.Tracer(instrumentationScope)
	t.providerOwner = true
	t.emitDebug("Created main tracer provider", "tracer_id", t.id)
}

// attachExporter builds the configured exporter and registers a batching
// processor for it on the owned provider. The context is used for network
// connection establishment. Only the provider owner exports; attached tracers
// contribute spans through the owner's pipeline.
func (t *Tracer) attachExporter(ctx context.Context) error {
	if !t.providerOwner || t.sdkProvider == nil {
		return nil
	}
	if t.testMode || t.exportDisabled || t.provider == NoopProvider {
		t.emitDebug("Span export disabled; using local no-op sink")
		return nil
	}

	exporter, err := t.buildExporter(ctx)
	if err != nil {
		return err
	}

	t.sdkProvider.RegisterSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter))
	t.emitInfo("Tracing export initialized",
		"provider", string(t.provider),
		"endpoint", t.otlpEndpoint,
		"project", t.project,
	)

	return nil
}

func (t *Tracer) buildExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch t.provider {
	case StdoutProvider:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exporter, nil

	case OTLPProvider:
		opts := []otlptracegrpc.Option{}
		if t.otlpEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(t.otlpEndpoint))
		}
		if t.otlpInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
		}
		return exporter, nil

	case OTLPHTTPProvider:
		opts := []otlptracehttp.Option{}
		if t.otlpEndpoint != "" {
			endpoint := t.otlpEndpoint
			isHTTP := false

			// Remove protocol prefix if present
			if trimmed, ok := strings.CutPrefix(endpoint, "http://"); ok {
				endpoint = trimmed
				isHTTP = true
			} else if trimmedHTTPS, trimmedOk := strings.CutPrefix(endpoint, "https://"); trimmedOk {
				endpoint = trimmedHTTPS
			}

			// Remove trailing path if present
			if idx := strings.Index(endpoint, "/"); idx != -1 {
				endpoint = endpoint[:idx]
			}

			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
			if isHTTP {
				opts = append(opts, otlptracehttp.WithInsecure())
			}
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
		}
		return exporter, nil

	default:
		return nil, fmt.Errorf("unsupported tracing provider: %s", t.provider)
	}
}

// releaseProvider detaches the tracer from the shared pipeline. The provider
// shuts down (flushing pending spans) when the last tracer using it releases
// it, regardless of departure order: an owner leaving with live attachments
// flushes and hands the provider off, and a non-owner leaving early flushes
// before removing its processor so other tracers' spans keep exporting.
func (t *Tracer) releaseProvider(ctx context.Context) error {
	if t.customTracerProvider {
		// Custom providers are managed by the user; detach our processor only.
		if t.sdkProvider != nil {
			t.sdkProvider.UnregisterSpanProcessor(t.processor)
		}
		t.emitDebug("Skipping shutdown of custom tracer provider (managed by user)")

		return nil
	}

	providerShare.mu.Lock()
	defer providerShare.mu.Unlock()

	if t.sdkProvider == nil {
		return nil
	}
	if providerShare.refs > 0 {
		providerShare.refs--
	}

	if t.providerOwner && providerShare.ownerID == t.id {
		if providerShare.refs > 0 {
			t.emitDebug("Provider owner closing with live attachments; flushing only",
				"attached", providerShare.refs)
			providerShare.ownerID = ""
			providerShare.ownerGone = true
			return t.sdkProvider.ForceFlush(ctx)
		}
		return shutdownSharedProvider(ctx, t)
	}

	// Flush before detaching so this tracer's buffered spans still export.
	flushErr := t.sdkProvider.ForceFlush(ctx)
	t.sdkProvider.UnregisterSpanProcessor(t.processor)

	// The owner already departed and this was the last attachment; the
	// provider is orphaned, so close it here.
	if providerShare.refs == 0 && providerShare.ownerGone {
		if err := shutdownSharedProvider(ctx, t); err != nil {
			return err
		}
	}

	return flushErr
}

// shutdownSharedProvider closes the process-wide provider and clears its
// registration. Caller holds providerShare.mu.
func shutdownSharedProvider(ctx context.Context, t *Tracer) error {
	providerShare.main = nil
	providerShare.ownerID = ""
	providerShare.ownerGone = false
	// Reset the global so a later tracer builds a fresh pipeline instead
	// of adopting this shut-down one.
	otel.SetTracerProvider(noop.NewTracerProvider())

	t.emitDebug("Shutting down tracer provider")
	if err := t.sdkProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer provider shutdown: %w", err)
	}

	return nil
}

// createResource creates an OpenTelemetry resource with project information.
func createResource(project, source string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(project),
		attribute.String(AttrPrefixStable+KeySource, source),
	)
}

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
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Option defines functional options for Tracer configuration.
// Options are applied during Tracer creation via New().
type Option func(*Tracer)

// WithAPIKey sets the API key used to authenticate against the collection
// backend. An API key is required unless test mode is enabled or a custom
// SessionAPI is supplied via WithAPIClient.
//
// Example:
//
//	tracer, err := tracing.New(
//	    tracing.WithAPIKey(os.Getenv("LOOMTRACE_API_KEY")),
//	    tracing.WithProject("checkout"),
//	)
func WithAPIKey(key string) Option {
	return func(t *Tracer) {
		t.apiKey = key
	}
}

// WithProject sets the project every span and session created by this tracer
// is attributed to. The project is required.
func WithProject(project string) Option {
	return func(t *Tracer) {
		t.project = project
	}
}

// WithSource sets the source label (e.g., "dev", "prod", "evaluation").
// Defaults to DefaultSource.
func WithSource(source string) Option {
	return func(t *Tracer) {
		t.source = source
	}
}

// WithSessionName sets the human-readable name for the session created at
// Start. When empty, a name is derived from the project and a random suffix.
func WithSessionName(name string) Option {
	return func(t *Tracer) {
		t.sessionName = name
	}
}

// WithServerURL overrides the collection backend URL.
// Defaults to DefaultServerURL.
func WithServerURL(url string) Option {
	return func(t *Tracer) {
		t.serverURL = url
	}
}

// WithAPIClient substitutes the backend client. Useful for tests (fakes) and
// for callers that need custom transport behavior (proxies, retries beyond
// the default client's, request signing).
//
// Example:
//
//	tracer, err := tracing.New(
//	    tracing.WithProject("checkout"),
//	    tracing.WithAPIClient(fakeAPI),
//	)
func WithAPIClient(api SessionAPI) Option {
	return func(t *Tracer) {
		t.api = api
	}
}

// WithTestMode forces the export pipeline to a no-op sink and waives the API
// key requirement. Spans are still created and enriched locally, so tests can
// assert on attributes without any network dependency.
func WithTestMode() Option {
	return func(t *Tracer) {
		t.testMode = true
	}
}

// WithoutExport disables remote span export regardless of the configured
// provider. Session creation and session enrichment still reach the backend;
// only the span pipeline degrades to a local sink.
func WithoutExport() Option {
	return func(t *Tracer) {
		t.exportDisabled = true
	}
}

// WithoutHTTPInstrumentation disables the otelhttp wrapping of the backend
// client's transport. Enabled by default so backend calls appear as client
// spans in the same trace tree.
func WithoutHTTPInstrumentation() Option {
	return func(t *Tracer) {
		t.httpInstrument = false
	}
}

// WithExperiment sets the experiment context explicitly, bypassing
// environment detection.
//
// Example:
//
//	tracer, err := tracing.New(
//	    tracing.WithProject("checkout"),
//	    tracing.WithExperiment(tracing.Experiment{ID: "exp-42", Variant: "b"}),
//	)
func WithExperiment(exp Experiment) Option {
	return func(t *Tracer) {
		t.experiment = &exp
		t.experimentSet = true
	}
}

// WithoutExperimentDetection disables environment-based experiment detection
// at Start. Has no effect when WithExperiment is used.
func WithoutExperimentDetection() Option {
	return func(t *Tracer) {
		t.experimentDetect = false
	}
}

// WithTracerProvider allows you to provide a custom OpenTelemetry
// TracerProvider. The tracer attaches its enrichment processor when the
// provider is an SDK provider, and never registers a custom provider
// process-wide or shuts it down; its lifecycle stays with you.
//
// Example:
//
//	tp := sdktrace.NewTracerProvider(...)
//	tracer, err := tracing.New(
//	    tracing.WithProject("checkout"),
//	    tracing.WithTracerProvider(tp),
//	)
//	defer tp.Shutdown(context.Background())
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(t *Tracer) {
		t.tracerProvider = provider
		t.customTracerProvider = true
	}
}

// WithEventHandler sets a custom event handler for internal operational events.
// Use this for advanced use cases like sending errors to Sentry, custom alerting,
// or integrating with non-slog logging systems.
//
// Example:
//
//	tracing.New(tracing.WithEventHandler(func(e tracing.Event) {
//	    if e.Type == tracing.EventError {
//	        sentry.CaptureMessage(e.Message)
//	    }
//	    myLogger.Log(e.Type, e.Message, e.Args...)
//	}))
func WithEventHandler(handler EventHandler) Option {
	return func(t *Tracer) {
		t.eventHandler = handler
	}
}

// WithLogger sets the logger for internal operational events using the default event handler.
// This is a convenience wrapper around WithEventHandler that logs events to the provided slog.Logger.
//
// Example:
//
//	// Use stdlib slog
//	tracing.New(tracing.WithLogger(slog.Default()))
//
//	// Use custom slog logger
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	tracing.New(tracing.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return WithEventHandler(DefaultEventHandler(logger))
}

// OTLPOption configures OTLP provider behavior.
type OTLPOption func(*otlpConfig)

type otlpConfig struct {
	insecure bool
}

// OTLPInsecure enables insecure gRPC for OTLP.
// Default is false (uses TLS). Set to true for local development.
func OTLPInsecure() OTLPOption {
	return func(c *otlpConfig) {
		c.insecure = true
	}
}

// WithOTLP configures the OTLP gRPC export pipeline with endpoint.
// Endpoint format: "host:port" (e.g., "localhost:4317")
//
// Only one provider can be configured. Configuring multiple providers
// (e.g., WithOTLP and WithStdout) will result in a validation error.
//
// Example:
//
//	// Simple:
//	tracer := tracing.MustNew(tracing.WithProject("p"), tracing.WithOTLP("localhost:4317"))
//
//	// With insecure option:
//	tracer := tracing.MustNew(tracing.WithProject("p"), tracing.WithOTLP("localhost:4317", tracing.OTLPInsecure()))
func WithOTLP(endpoint string, opts ...OTLPOption) Option {
	return func(t *Tracer) {
		if t.providerSet {
			t.validationErrors = append(t.validationErrors,
				fmt.Errorf("provider: multiple providers configured (already have %q, cannot add %q); only one provider allowed", t.provider, OTLPProvider))

			return
		}
		t.provider = OTLPProvider
		t.otlpEndpoint = endpoint
		t.providerSet = true
		cfg := &otlpConfig{}
		for _, opt := range opts {
			opt(cfg)
		}
		t.otlpInsecure = cfg.insecure
	}
}

// WithOTLPHTTP configures the OTLP HTTP export pipeline with endpoint.
// Endpoint format: "http://host:port" (e.g., "http://localhost:4318")
//
// Only one provider can be configured. Configuring multiple providers
// will result in a validation error.
//
// Example:
//
//	tracer := tracing.MustNew(tracing.WithProject("p"), tracing.WithOTLPHTTP("http://localhost:4318"))
func WithOTLPHTTP(endpoint string) Option {
	return func(t *Tracer) {
		if t.providerSet {
			t.validationErrors = append(t.validationErrors,
				fmt.Errorf("provider: multiple providers configured (already have %q, cannot add %q); only one provider allowed", t.provider, OTLPHTTPProvider))

			return
		}
		t.provider = OTLPHTTPProvider
		t.otlpEndpoint = endpoint
		t.providerSet = true
	}
}

// WithStdout configures the stdout export pipeline for development/debugging.
//
// Only one provider can be configured. Configuring multiple providers
// will result in a validation error.
//
// Example:
//
//	tracer := tracing.MustNew(tracing.WithProject("p"), tracing.WithStdout())
func WithStdout() Option {
	return func(t *Tracer) {
		if t.providerSet {
			t.validationErrors = append(t.validationErrors,
				fmt.Errorf("provider: multiple providers configured (already have %q, cannot add %q); only one provider allowed", t.provider, StdoutProvider))

			return
		}
		t.provider = StdoutProvider
		t.providerSet = true
	}
}

// WithNoop configures the noop export pipeline (default, no spans exported).
// Spans are still created and enriched; they are simply never shipped.
//
// Only one provider can be configured. Configuring multiple providers
// will result in a validation error.
//
// Example:
//
//	tracer := tracing.MustNew(tracing.WithProject("p"), tracing.WithNoop())
func WithNoop() Option {
	return func(t *Tracer) {
		if t.providerSet {
			t.validationErrors = append(t.validationErrors,
				fmt.Errorf("provider: multiple providers configured (already have %q, cannot add %q); only one provider allowed", t.provider, NoopProvider))

			return
		}
		t.provider = NoopProvider
		t.providerSet = true
	}
}

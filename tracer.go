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
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSource is the source label used when none is provided.
const DefaultSource = "dev"

// Tracer is one independent tracing instance. A process may hold many; each
// has its own session, project, and source, while all of them contribute
// spans to a single shared export pipeline (see acquireProvider).
//
// A Tracer is immutable after New() except for the session identifier, which
// is set once by Start and read concurrently afterwards. All methods are safe
// for concurrent use.
type Tracer struct {
	// Identity and backend configuration
	id          string
	apiKey      string
	project     string
	source      string
	sessionName string
	serverURL   string

	// Span pipeline
	tracer               trace.Tracer
	tracerProvider       trace.TracerProvider
	sdkProvider          *sdktrace.TracerProvider
	processor            *enrichProcessor
	propagator           propagation.TextMapPropagator
	provider             Provider
	otlpEndpoint         string
	otlpInsecure         bool
	providerSet          bool
	customTracerProvider bool
	providerOwner        bool

	// Backend session
	api       SessionAPI
	sessionMu sync.RWMutex
	sessionID string

	// Experiment context, read-only after Start
	experiment       *Experiment
	experimentSet    bool
	experimentDetect bool

	// Behavior flags
	testMode       bool
	exportDisabled bool
	httpInstrument bool

	eventHandler EventHandler

	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error

	// Validation errors (collected during option application)
	validationErrors []error
}

// New creates a new Tracer with the given options and wires it into the span
// pipeline. The tracer is usable immediately: spans can be created and
// enriched before Start is called. Start (or StartAsync) additionally creates
// the backend session and attaches the exporter.
//
// Returns an error only for configuration mistakes (missing project, missing
// API key outside test mode, conflicting providers). Backend or exporter
// trouble never fails construction; it degrades with a warning event.
//
// Example:
//
//	tracer, err := tracing.New(
//	    tracing.WithAPIKey(key),
//	    tracing.WithProject("checkout"),
//	    tracing.WithSource("prod"),
//	    tracing.WithOTLP("collector:4317"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := tracer.Start(ctx); err != nil {
//	    log.Printf("tracing degraded: %v", err)
//	}
//	defer tracer.Shutdown(context.Background())
func New(opts ...Option) (*Tracer, error) {
	t := newDefaultTracer()

	for _, opt := range opts {
		opt(t)
	}

	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	t.processor = newEnrichProcessor(t)
	// Test mode keeps the API client nil so no backend call can ever leave
	// the process; session creation and enrichment degrade to no-ops.
	if t.api == nil && !t.testMode {
		t.api = newHTTPSessionAPI(t.serverURL, t.apiKey, t.httpInstrument)
	}

	t.acquireProvider()
	registerInstance(t)

	return t, nil
}

// MustNew creates a new Tracer with the given options.
// It panics if the configuration is invalid.
//
// Example:
//
//	tracer := tracing.MustNew(
//	    tracing.WithProject("checkout"),
//	    tracing.WithTestMode(),
//	)
//	defer tracer.Shutdown(context.Background())
func MustNew(opts ...Option) *Tracer {
	t, err := New(opts...)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize tracer: %v", err))
	}
	return t
}

// newDefaultTracer creates a Tracer with default values.
func newDefaultTracer() *Tracer {
	return &Tracer{
		id:               uuid.NewString(),
		source:           DefaultSource,
		serverURL:        DefaultServerURL,
		provider:         NoopProvider,
		httpInstrument:   true,
		experimentDetect: true,
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
}

// validate checks that the configuration is valid.
func (t *Tracer) validate() error {
	if len(t.validationErrors) > 0 {
		var errMsgs []string
		for _, err := range t.validationErrors {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(errMsgs, "; "))
	}

	if t.project == "" {
		return fmt.Errorf("project cannot be empty")
	}

	// The default backend client cannot authenticate without a key. A custom
	// SessionAPI carries its own credentials; test mode needs none.
	if t.apiKey == "" && !t.testMode && t.api == nil {
		return fmt.Errorf("API key is required (set one with WithAPIKey, or use WithTestMode)")
	}

	if t.otlpEndpoint == "" && t.provider == OTLPProvider {
		t.otlpEndpoint = "localhost:4317"
	}

	return nil
}

// Start performs the blocking part of tracer startup: experiment detection,
// exporter attachment, and backend session creation. The context bounds the
// network calls; without a deadline a default timeout applies to the session
// call.
//
// Start is idempotent; only the first call does work. Failures degrade — a
// tracer whose session or exporter could not be set up still records and
// enriches spans locally. The returned error is only the context's own
// cancellation; everything else surfaces as warning events.
//
// Callers on latency-sensitive paths should use StartAsync instead.
func (t *Tracer) Start(ctx context.Context) error {
	t.startOnce.Do(func() {
		if !t.experimentSet && t.experimentDetect {
			t.experiment = detectExperiment(nil)
			if !t.experiment.IsZero() {
				t.emitDebug("Experiment context detected",
					"experiment_id", t.experiment.ID,
					"experiment_name", t.experiment.Name,
				)
			}
		}

		if err := t.attachExporter(ctx); err != nil {
			t.emitWarning("Span export unavailable; continuing with local-only tracing", "error", err)
		}

		t.createSession(ctx)

		t.emitInfo("Tracer started",
			"tracer_id", t.id,
			"project", t.project,
			"source", t.source,
			"session_id", t.SessionID(),
			"provider_owner", t.providerOwner,
		)
	})

	return ctx.Err()
}

// StartAsync runs Start on a new goroutine and returns a channel that yields
// its result and closes. Use this on paths that cannot tolerate a blocking
// network call at construction time.
//
// Example:
//
//	done := tracer.StartAsync(ctx)
//	// ... serve traffic immediately; session attaches when ready
//	<-done
func (t *Tracer) StartAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- t.Start(ctx)
		close(done)
	}()
	return done
}

// ID returns the tracer's opaque instance identifier.
func (t *Tracer) ID() string {
	return t.id
}

// Project returns the configured project.
func (t *Tracer) Project() string {
	return t.project
}

// Source returns the configured source label.
func (t *Tracer) Source() string {
	return t.source
}

// IsProviderOwner reports whether this tracer owns the process-wide export
// pipeline (it was the first to construct one) or is attached to a provider
// owned elsewhere.
func (t *Tracer) IsProviderOwner() bool {
	return t.providerOwner
}

// GetTracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) GetTracer() trace.Tracer {
	return t.tracer
}

// GetPropagator returns the OpenTelemetry propagator used by the middleware.
func (t *Tracer) GetPropagator() propagation.TextMapPropagator {
	return t.propagator
}

// GetProvider returns the configured export pipeline kind.
func (t *Tracer) GetProvider() Provider {
	return t.provider
}

// Experiment returns the experiment context in effect, or nil.
func (t *Tracer) Experiment() *Experiment {
	if t.experiment.IsZero() {
		return nil
	}
	return t.experiment
}

// Context returns a child of ctx whose baggage carries this tracer's
// identifiers (tracer id, project, source, session id, experiment fields).
// Keys already present in ctx's baggage are left untouched, so per-call
// overrides set via WithBaggage always win over tracer defaults.
//
// StartSpan, the middleware, and the decorators all seed contexts through
// here; call it directly when handing a context to code that starts spans
// with a raw OpenTelemetry tracer.
func (t *Tracer) Context(ctx context.Context) context.Context {
	seed := make(map[string]string, 8)
	add := func(key, value string) {
		if value != "" && BaggageValue(ctx, key) == "" {
			seed[key] = value
		}
	}

	add(KeyTracerID, t.id)
	add(KeyProject, t.project)
	add(KeySource, t.source)
	add(KeySessionID, t.SessionID())

	if exp := t.experiment; !exp.IsZero() {
		add(KeyExperimentID, exp.ID)
		add(KeyExperimentName, exp.Name)
		add(KeyExperimentVariant, exp.Variant)
		add(KeyExperimentGroup, exp.Group)
		for key, value := range exp.Metadata {
			add(KeyExperimentMetadataPrefix+key, value)
		}
	}

	if len(seed) == 0 {
		return ctx
	}
	return WithBaggageMap(ctx, seed)
}

// Flush drains all pending spans through every processor attached to the
// tracer's provider — not just this tracer's own — within the context's
// deadline. Reports success as a boolean and never panics or returns an
// error; it is idempotent and safe to call repeatedly, including after a
// failed flush.
//
// Example:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
//	defer cancel()
//	if !tracer.Flush(ctx) {
//	    log.Println("some spans may not have been exported")
//	}
func (t *Tracer) Flush(ctx context.Context) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if t.sdkProvider != nil {
		return t.sdkProvider.ForceFlush(ctx) == nil
	}
	if t.processor != nil {
		return t.processor.ForceFlush(ctx) == nil
	}

	return true
}

// FlushWithTimeout is Flush bounded by an explicit timeout.
func (t *Tracer) FlushWithTimeout(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.Flush(ctx)
}

// Shutdown flushes pending spans and detaches the tracer from the shared
// pipeline. If this tracer owns the provider and no other tracer is attached,
// the provider itself is shut down. Idempotent; concurrent calls observe the
// same result.
//
// Example:
//
//	defer func() {
//	    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	    defer cancel()
//	    if err := tracer.Shutdown(ctx); err != nil {
//	        log.Printf("Error shutting down tracer: %v", err)
//	    }
//	}()
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		deregisterInstance(t)
		t.shutdownErr = t.releaseProvider(ctx)
	})

	return t.shutdownErr
}

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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// eventCollector is a thread-safe EventHandler capturing emitted events.
type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) handler() EventHandler {
	return func(e Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, e)
	}
}

func (c *eventCollector) find(eventType EventType, substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Type == eventType && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// spansNamed filters recorded spans by name. Recorders may be attached to a
// provider shared with other tests, so assertions always go through a
// test-unique span name.
func spansNamed(recorder *tracetest.SpanRecorder, name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	t.Run("missing project", func(t *testing.T) {
		t.Parallel()

		_, err := New(WithTestMode())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "project")
	})

	t.Run("missing API key outside test mode", func(t *testing.T) {
		t.Parallel()

		_, err := New(WithProject("p"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "API key")
	})

	t.Run("custom API client needs no key", func(t *testing.T) {
		t.Parallel()

		tracer, err := New(WithProject("p"), WithAPIClient(newFakeSessionAPI("s")))
		require.NoError(t, err)
		t.Cleanup(func() { tracer.Shutdown(context.Background()) })
	})

	t.Run("conflicting providers", func(t *testing.T) {
		t.Parallel()

		_, err := New(WithProject("p"), WithTestMode(), WithOTLP("localhost:4317"), WithStdout())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "multiple providers")
	})

	t.Run("MustNew panics on invalid configuration", func(t *testing.T) {
		t.Parallel()

		assert.Panics(t, func() { MustNew() })
	})
}

func TestTracerAccessors(t *testing.T) {
	t.Parallel()

	tracer := TestingTracer(t)

	assert.NotEmpty(t, tracer.ID())
	assert.Equal(t, "test-project", tracer.Project())
	assert.Equal(t, DefaultSource, tracer.Source())
	assert.Equal(t, NoopProvider, tracer.GetProvider())
	assert.NotNil(t, tracer.GetTracer())
	assert.NotNil(t, tracer.GetPropagator())
	assert.Nil(t, tracer.Experiment())
}

func TestStartCreatesSession(t *testing.T) {
	t.Parallel()

	api := newFakeSessionAPI("sess-1")
	tracer := TestingTracer(t,
		WithAPIClient(api),
		WithSessionName("named-run"),
		WithoutExperimentDetection(),
	)

	require.NoError(t, tracer.Start(context.Background()))
	assert.Equal(t, "sess-1", tracer.SessionID())
	assert.True(t, tracer.HasSession())

	created := api.createdRequests()
	require.Len(t, created, 1)
	assert.Equal(t, "test-project", created[0].Project)
	assert.Equal(t, DefaultSource, created[0].Source)
	assert.Equal(t, "named-run", created[0].SessionName)

	// Idempotent: a second Start performs no further backend calls.
	require.NoError(t, tracer.Start(context.Background()))
	assert.Len(t, api.createdRequests(), 1)
}

func TestTracerInstanceIsolation(t *testing.T) {
	t.Parallel()

	apiOne := newFakeSessionAPI("sess-one")
	apiTwo := newFakeSessionAPI("sess-two")
	one := TestingTracer(t, WithProject("project-one"), WithAPIClient(apiOne), WithoutExperimentDetection())
	two := TestingTracer(t, WithProject("project-two"), WithAPIClient(apiTwo), WithoutExperimentDetection())

	require.NoError(t, one.Start(context.Background()))
	require.NoError(t, two.Start(context.Background()))

	// Instances never share identity or session state.
	assert.NotEqual(t, one.ID(), two.ID())
	assert.NotEqual(t, one.SessionID(), two.SessionID())
	assert.Equal(t, "sess-one", one.SessionID())
	assert.Equal(t, "sess-two", two.SessionID())
	assert.Equal(t, "project-one", one.Project())
	assert.Equal(t, "project-two", two.Project())

	// Each context resolves back to its own tracer.
	assert.Same(t, one, FromContext(one.Context(context.Background())))
	assert.Same(t, two, FromContext(two.Context(context.Background())))
}

func TestStartDefaultSessionName(t *testing.T) {
	t.Parallel()

	api := newFakeSessionAPI("sess-2")
	tracer := TestingTracer(t, WithAPIClient(api), WithoutExperimentDetection())

	require.NoError(t, tracer.Start(context.Background()))

	created := api.createdRequests()
	require.Len(t, created, 1)
	assert.True(t, strings.HasPrefix(created[0].SessionName, "test-project-"))
	assert.Len(t, created[0].SessionName, len("test-project-")+8)
}

func TestStartDegradesWithoutBackend(t *testing.T) {
	t.Parallel()

	api := newFakeSessionAPI("")
	api.createErr = errors.New("backend unreachable")
	events := &eventCollector{}
	tracer := TestingTracer(t,
		WithAPIClient(api),
		WithEventHandler(events.handler()),
		WithoutExperimentDetection(),
	)

	// Backend failure degrades; Start itself succeeds.
	require.NoError(t, tracer.Start(context.Background()))
	assert.False(t, tracer.HasSession())
	assert.True(t, events.find(EventWarning, "Session creation failed"))

	// Spans still carry the tracer's static identity.
	recorder := tracetest.NewSpanRecorder()
	tracer.sdkProvider.RegisterSpanProcessor(recorder)
	t.Cleanup(func() { tracer.sdkProvider.UnregisterSpanProcessor(recorder) })

	_, span := tracer.StartSpan(context.Background(), "degraded-span-test")
	span.End()

	spans := spansNamed(recorder, "degraded-span-test")
	require.Len(t, spans, 1)
	assert.Equal(t, "test-project", attrValue(spans[0], AttrPrefixStable+KeyProject))
	assert.Empty(t, attrValue(spans[0], AttrPrefixStable+KeySessionID))
}

func TestStartAsync(t *testing.T) {
	t.Parallel()

	api := newFakeSessionAPI("sess-async")
	tracer := TestingTracer(t, WithAPIClient(api), WithoutExperimentDetection())

	select {
	case err := <-tracer.StartAsync(context.Background()):
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("StartAsync did not complete")
	}

	assert.Equal(t, "sess-async", tracer.SessionID())
}

func TestContextSeedsBaggage(t *testing.T) {
	t.Parallel()

	api := newFakeSessionAPI("sess-ctx")
	tracer := TestingTracer(t, WithAPIClient(api), WithoutExperimentDetection())
	require.NoError(t, tracer.Start(context.Background()))

	ctx := tracer.Context(context.Background())
	assert.Equal(t, tracer.ID(), BaggageValue(ctx, KeyTracerID))
	assert.Equal(t, "test-project", BaggageValue(ctx, KeyProject))
	assert.Equal(t, DefaultSource, BaggageValue(ctx, KeySource))
	assert.Equal(t, "sess-ctx", BaggageValue(ctx, KeySessionID))
}

func TestContextDoesNotOverwriteBaggage(t *testing.T) {
	t.Parallel()

	api := newFakeSessionAPI("sess-own")
	tracer := TestingTracer(t, WithAPIClient(api), WithoutExperimentDetection())
	require.NoError(t, tracer.Start(context.Background()))

	ctx := WithBaggage(context.Background(), KeySessionID, "explicit-session")
	ctx = tracer.Context(ctx)

	// Explicit baggage wins over the tracer's own session.
	assert.Equal(t, "explicit-session", BaggageValue(ctx, KeySessionID))
	assert.Equal(t, tracer.ID(), BaggageValue(ctx, KeyTracerID))
}

func TestExperimentFromOption(t *testing.T) {
	t.Parallel()

	tracer := TestingTracer(t, WithExperiment(Experiment{
		ID:       "exp-1",
		Variant:  "treatment",
		Metadata: map[string]string{"cohort": "a"},
	}))
	require.NoError(t, tracer.Start(context.Background()))

	require.NotNil(t, tracer.Experiment())
	assert.Equal(t, "exp-1", tracer.Experiment().ID)

	ctx := tracer.Context(context.Background())
	assert.Equal(t, "exp-1", BaggageValue(ctx, KeyExperimentID))
	assert.Equal(t, "treatment", BaggageValue(ctx, KeyExperimentVariant))
	assert.Equal(t, "a", BaggageValue(ctx, KeyExperimentMetadataPrefix+"cohort"))
}

func TestFlush(t *testing.T) {
	t.Parallel()

	tracer := TestingTracer(t)

	_, span := tracer.StartSpan(context.Background(), "flush-test")
	span.End()

	assert.True(t, tracer.Flush(context.Background()))
	assert.True(t, tracer.FlushWithTimeout(2*time.Second))

	// Repeated flushes are safe.
	assert.True(t, tracer.Flush(context.Background()))
}

func TestShutdownIdempotent(t *testing.T) {
	t.Parallel()

	tracer := MustNew(WithProject("shutdown-test"), WithTestMode())

	require.NoError(t, tracer.Shutdown(context.Background()))
	require.NoError(t, tracer.Shutdown(context.Background()))

	assert.NotPanics(t, func() { tracer.Flush(context.Background()) })
}

// Serial: asserts ownership of the process-wide provider, which parallel
// tests would race on.
func TestSharedProviderLifecycle(t *testing.T) {
	ctx := context.Background()

	first := MustNew(WithProject("alpha"), WithTestMode())
	require.True(t, first.IsProviderOwner())

	second := MustNew(WithProject("beta"), WithTestMode())
	require.False(t, second.IsProviderOwner())
	assert.Same(t, first.sdkProvider, second.sdkProvider)

	recorder := tracetest.NewSpanRecorder()
	first.sdkProvider.RegisterSpanProcessor(recorder)

	// Closing the attached tracer leaves the shared pipeline running.
	require.NoError(t, second.Shutdown(ctx))

	_, span := first.StartSpan(ctx, "shared-after-detach")
	span.End()
	require.True(t, first.Flush(ctx))
	require.Len(t, spansNamed(recorder, "shared-after-detach"), 1)

	// Last tracer out shuts the provider down and clears the process-wide
	// registration, so the next tracer builds a fresh pipeline.
	require.NoError(t, first.Shutdown(ctx))

	next := MustNew(WithProject("gamma"), WithTestMode())
	defer next.Shutdown(ctx)
	require.True(t, next.IsProviderOwner())
	assert.NotSame(t, first.sdkProvider, next.sdkProvider)
}

// Serial: like TestSharedProviderLifecycle, exercises global provider state.
func TestSharedProviderOwnerShutsDownFirst(t *testing.T) {
	ctx := context.Background()

	owner := MustNew(WithProject("alpha"), WithTestMode())
	require.True(t, owner.IsProviderOwner())
	attached := MustNew(WithProject("beta"), WithTestMode())
	require.False(t, attached.IsProviderOwner())
	shared := owner.sdkProvider

	recorder := tracetest.NewSpanRecorder()
	shared.RegisterSpanProcessor(recorder)

	// The owner leaving first only flushes; spans the attached tracer
	// creates afterwards still export through the shared pipeline.
	require.NoError(t, owner.Shutdown(ctx))
	_, span := attached.StartSpan(ctx, "owner-departed-span")
	span.End()
	require.True(t, attached.Flush(ctx))
	require.Len(t, spansNamed(recorder, "owner-departed-span"), 1)

	// The last attached tracer closes the orphaned provider and clears the
	// process-wide registration on its way out.
	require.NoError(t, attached.Shutdown(ctx))

	providerShare.mu.Lock()
	released := providerShare.main == nil
	providerShare.mu.Unlock()
	assert.True(t, released)

	next := MustNew(WithProject("gamma"), WithTestMode())
	defer next.Shutdown(ctx)
	require.True(t, next.IsProviderOwner())
	assert.NotSame(t, shared, next.sdkProvider)
}

// Serial: like TestSharedProviderLifecycle, exercises global provider state.
func TestOwnerShutdownAllowsFreshProvider(t *testing.T) {
	ctx := context.Background()

	first := MustNew(WithProject("alpha"), WithTestMode())
	require.True(t, first.IsProviderOwner())
	require.NoError(t, first.Shutdown(ctx))

	second := MustNew(WithProject("beta"), WithTestMode())
	defer second.Shutdown(ctx)
	require.True(t, second.IsProviderOwner())

	_, span := second.StartSpan(ctx, "fresh-provider-span")
	assert.True(t, span.IsRecording())
	span.End()
}

func TestCustomProviderNotOwned(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	recorder := tracetest.NewSpanRecorder()
	tp.RegisterSpanProcessor(recorder)

	tracer := MustNew(WithProject("gamma"), WithTestMode(), WithTracerProvider(tp))
	assert.False(t, tracer.IsProviderOwner())

	_, span := tracer.StartSpan(context.Background(), "custom-provider-span")
	span.End()

	spans := spansNamed(recorder, "custom-provider-span")
	require.Len(t, spans, 1)
	// The enrichment processor rides on the custom provider too.
	assert.Equal(t, "gamma", attrValue(spans[0], AttrPrefixStable+KeyProject))

	// Shutdown detaches but never closes a user-managed provider.
	require.NoError(t, tracer.Shutdown(context.Background()))
	_, alive := tp.Tracer("check").Start(context.Background(), "still-alive")
	assert.True(t, alive.IsRecording())
	alive.End()
}

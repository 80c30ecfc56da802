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
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Fixed attribute keys for enrichment payloads. Inputs and outputs are
// JSON-serialized under a single key each; keyed collections are prefixed to
// avoid collisions.
const (
	attrInputs    = AttrPrefixStable + "inputs"
	attrOutputs   = AttrPrefixStable + "outputs"
	attrError     = AttrPrefixStable + "error"
	attrEventType = AttrPrefixStable + "event_type"
	attrEventName = AttrPrefixStable + "event_name"

	attrPrefixMetadata = AttrPrefixStable + "metadata."
	attrPrefixMetrics  = AttrPrefixStable + "metrics."
	attrPrefixConfig   = AttrPrefixStable + "config."
	attrPrefixExtra    = AttrPrefixStable + "extra."
)

// Enrichment accumulates metadata destined for the active span or the
// backend session record. Build one through EnrichOption values passed to
// EnrichSpanScoped, EnrichSpanDirect, or EnrichSession; the zero value is
// valid and enriches nothing.
type Enrichment struct {
	metadata   map[string]any
	metrics    map[string]float64
	attrs      []attribute.KeyValue
	config     map[string]any
	extras     map[string]any
	feedback   map[string]any
	userProps  map[string]any
	eventType  string
	eventName  string
	inputs     any
	inputsSet  bool
	outputs    any
	outputsSet bool
	err        error

	tracer    *Tracer
	sessionID string
}

// EnrichOption configures a single enrichment.
type EnrichOption func(*Enrichment)

// WithMetadata attaches free-form metadata. Span enrichment stores each entry
// under "loomtrace.metadata.<key>"; session enrichment sends the map as-is.
func WithMetadata(metadata map[string]any) EnrichOption {
	return func(e *Enrichment) {
		if e.metadata == nil {
			e.metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			e.metadata[k] = v
		}
	}
}

// WithMetric attaches a single named measurement.
func WithMetric(name string, value float64) EnrichOption {
	return func(e *Enrichment) {
		if e.metrics == nil {
			e.metrics = make(map[string]float64, 1)
		}
		e.metrics[name] = value
	}
}

// WithMetrics attaches a batch of named measurements.
func WithMetrics(metrics map[string]float64) EnrichOption {
	return func(e *Enrichment) {
		if e.metrics == nil {
			e.metrics = make(map[string]float64, len(metrics))
		}
		for k, v := range metrics {
			e.metrics[k] = v
		}
	}
}

// WithAttributes attaches raw OpenTelemetry attributes verbatim (span
// enrichment only; ignored by session enrichment).
func WithAttributes(attrs ...attribute.KeyValue) EnrichOption {
	return func(e *Enrichment) {
		e.attrs = append(e.attrs, attrs...)
	}
}

// WithEvent tags the enrichment with an event type and name.
func WithEvent(eventType, eventName string) EnrichOption {
	return func(e *Enrichment) {
		e.eventType = eventType
		e.eventName = eventName
	}
}

// WithInputs records the operation's inputs, JSON-serialized under a fixed
// attribute key.
func WithInputs(inputs any) EnrichOption {
	return func(e *Enrichment) {
		e.inputs = inputs
		e.inputsSet = true
	}
}

// WithOutputs records the operation's outputs, JSON-serialized under a fixed
// attribute key.
func WithOutputs(outputs any) EnrichOption {
	return func(e *Enrichment) {
		e.outputs = outputs
		e.outputsSet = true
	}
}

// WithError records an error on the enrichment target. Span enrichment also
// records the error as a span exception event and sets an error status.
func WithError(err error) EnrichOption {
	return func(e *Enrichment) {
		e.err = err
	}
}

// WithConfig attaches configuration data. Experiment fields inside the map
// ("experiment_id", "experiment_name", "experiment_variant",
// "experiment_group", and "experiment_metadata.<key>") are promoted to the
// standard experiment attributes in both the stable and legacy namespaces, so
// experiment context can be set per-call as well as at tracer construction.
func WithConfig(config map[string]any) EnrichOption {
	return func(e *Enrichment) {
		if e.config == nil {
			e.config = make(map[string]any, len(config))
		}
		for k, v := range config {
			e.config[k] = v
		}
	}
}

// WithExtra attaches an arbitrary key/value, prefixed to avoid collisions
// with the fixed enrichment keys.
func WithExtra(key string, value any) EnrichOption {
	return func(e *Enrichment) {
		if e.extras == nil {
			e.extras = make(map[string]any, 1)
		}
		e.extras[key] = value
	}
}

// WithFeedback attaches user feedback (session enrichment only).
func WithFeedback(feedback map[string]any) EnrichOption {
	return func(e *Enrichment) {
		if e.feedback == nil {
			e.feedback = make(map[string]any, len(feedback))
		}
		for k, v := range feedback {
			e.feedback[k] = v
		}
	}
}

// WithUserProperties attaches properties describing the end user (session
// enrichment only).
func WithUserProperties(props map[string]any) EnrichOption {
	return func(e *Enrichment) {
		if e.userProps == nil {
			e.userProps = make(map[string]any, len(props))
		}
		for k, v := range props {
			e.userProps[k] = v
		}
	}
}

// WithSession targets an explicit session id instead of the tracer's own.
func WithSession(sessionID string) EnrichOption {
	return func(e *Enrichment) {
		e.sessionID = sessionID
	}
}

// WithTracerRef supplies the tracer explicitly. Required for EnrichSession
// when the context was not seeded by a tracer and no session id would
// otherwise resolve.
func WithTracerRef(t *Tracer) EnrichOption {
	return func(e *Enrichment) {
		e.tracer = t
	}
}

func buildEnrichment(opts []EnrichOption) *Enrichment {
	e := &Enrichment{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// experiment baggage keys recognized inside WithConfig maps.
var configExperimentKeys = map[string]bool{
	KeyExperimentID:      true,
	KeyExperimentName:    true,
	KeyExperimentVariant: true,
	KeyExperimentGroup:   true,
}

// spanAttributes flattens the enrichment into span attributes.
func (e *Enrichment) spanAttributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0,
		len(e.metadata)+len(e.metrics)+len(e.config)+len(e.extras)+len(e.attrs)+6)

	for k, v := range e.metadata {
		attrs = append(attrs, buildAttribute(attrPrefixMetadata+k, v))
	}
	for k, v := range e.metrics {
		attrs = append(attrs, attribute.Float64(attrPrefixMetrics+k, v))
	}
	for k, v := range e.config {
		if configExperimentKeys[k] || strings.HasPrefix(k, KeyExperimentMetadataPrefix) {
			attrs = appendNamespaced(attrs, k, fmt.Sprintf("%v", v))
			continue
		}
		attrs = append(attrs, buildAttribute(attrPrefixConfig+k, v))
	}
	for k, v := range e.extras {
		attrs = append(attrs, buildAttribute(attrPrefixExtra+k, v))
	}
	if e.eventType != "" {
		attrs = append(attrs, attribute.String(attrEventType, e.eventType))
	}
	if e.eventName != "" {
		attrs = append(attrs, attribute.String(attrEventName, e.eventName))
	}
	if e.inputsSet {
		attrs = append(attrs, attribute.String(attrInputs, serializeJSON(e.inputs)))
	}
	if e.outputsSet {
		attrs = append(attrs, attribute.String(attrOutputs, serializeJSON(e.outputs)))
	}
	if e.err != nil {
		attrs = append(attrs, attribute.String(attrError, e.err.Error()))
	}

	return append(attrs, e.attrs...)
}

// sessionUpdate converts the enrichment into a backend session payload.
func (e *Enrichment) sessionUpdate() SessionUpdate {
	update := SessionUpdate{
		Metadata:       e.metadata,
		Metrics:        e.metrics,
		Config:         e.config,
		Feedback:       e.feedback,
		UserProperties: e.userProps,
	}
	if e.inputsSet {
		update.Inputs = e.inputs
	}
	if e.outputsSet {
		update.Outputs = e.outputs
	}
	if e.err != nil {
		update.Error = e.err.Error()
	}
	return update
}

// applyToSpan writes the enrichment onto span. Reports false when the span is
// nil or no longer recording.
func (e *Enrichment) applyToSpan(span trace.Span) bool {
	if span == nil || !span.IsRecording() {
		return false
	}

	if attrs := e.spanAttributes(); len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if e.err != nil {
		span.RecordError(e.err)
		span.SetStatus(codes.Error, e.err.Error())
	}

	return true
}

// EnrichSpanDirect immediately writes the given enrichment onto the span
// active in ctx. Returns true when a recording span received the attributes,
// false otherwise; it never fails loudly.
//
// Example:
//
//	ok := tracing.EnrichSpanDirect(ctx,
//	    tracing.WithMetadata(map[string]any{"model": "gpt-4o"}),
//	    tracing.WithMetric("latency_ms", 412),
//	    tracing.WithOutputs(completion),
//	)
func EnrichSpanDirect(ctx context.Context, opts ...EnrichOption) bool {
	return buildEnrichment(opts).applyToSpan(trace.SpanFromContext(ctx))
}

// SpanEnrichment is the scoped enrichment handle returned by
// EnrichSpanScoped. It accumulates enrichment for the span that was active at
// entry and applies everything on End.
type SpanEnrichment struct {
	mu    sync.Mutex
	span  trace.Span
	e     *Enrichment
	ended bool
}

// EnrichSpanScoped opens a scoped enrichment block against the span active in
// ctx. Metadata, outputs, and errors added through Add are written to the
// span when End runs. Pair it with defer so accumulated state is applied even
// when the block panics; End never recovers the panic itself — tracing does
// not swallow application failures.
//
// Example:
//
//	scope := tracing.EnrichSpanScoped(ctx, tracing.WithInputs(prompt))
//	defer scope.End()
//	completion, err := model.Generate(ctx, prompt)
//	scope.Add(tracing.WithOutputs(completion), tracing.WithError(err))
func EnrichSpanScoped(ctx context.Context, opts ...EnrichOption) *SpanEnrichment {
	return &SpanEnrichment{
		span: trace.SpanFromContext(ctx),
		e:    buildEnrichment(opts),
	}
}

// Add accumulates further enrichment onto the scope. No-op after End.
func (s *SpanEnrichment) Add(opts ...EnrichOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	for _, opt := range opts {
		opt(s.e)
	}
}

// End applies the accumulated enrichment to the captured span. Idempotent;
// returns the same result as EnrichSpanDirect would have: true when a
// recording span received the data.
func (s *SpanEnrichment) End() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	return s.e.applyToSpan(s.span)
}

// EnrichSession applies the given enrichment to the backend session record.
// Unlike span enrichment this is always a remote call. The session id
// resolves in order: WithSession, the tracer given via WithTracerRef, the
// tracer discovered from ctx's baggage. Returns false — performing no backend
// call — when no session id resolves, and false when the backend rejects the
// update; it never panics or raises.
//
// Example:
//
//	ok := tracing.EnrichSession(ctx,
//	    tracing.WithFeedback(map[string]any{"rating": 5}),
//	    tracing.WithUserProperties(map[string]any{"plan": "pro"}),
//	)
func EnrichSession(ctx context.Context, opts ...EnrichOption) bool {
	e := buildEnrichment(opts)

	tracer := e.tracer
	if tracer == nil {
		tracer = FromContext(ctx)
	}

	sessionID := e.sessionID
	if sessionID == "" && tracer != nil {
		sessionID = tracer.SessionID()
	}
	if sessionID == "" || tracer == nil || tracer.api == nil {
		return false
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultAPITimeout)
		defer cancel()
	}

	if err := tracer.api.EnrichSession(ctx, sessionID, e.sessionUpdate()); err != nil {
		tracer.emitWarning("Session enrichment failed",
			"session_id", sessionID,
			"error", err,
		)
		return false
	}

	return true
}

// serializeJSON renders v as JSON for storage in a span attribute, falling
// back to fmt formatting for values JSON cannot represent.
func serializeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

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

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Attribute namespaces written by the enrichment processor. Every baggage key
// is mirrored under both: the stable namespace is what current consumers
// query; the legacy namespace keeps traces readable by older association-based
// dashboards.
const (
	// AttrPrefixStable is the stable attribute namespace ("loomtrace.<key>").
	AttrPrefixStable = "loomtrace."
	// AttrPrefixLegacy is the legacy-compatible alias namespace
	// ("association.properties.<key>").
	AttrPrefixLegacy = "association.properties."
)

// Compile-time check that enrichProcessor implements SpanProcessor.
var _ sdktrace.SpanProcessor = (*enrichProcessor)(nil)

// enrichProcessor tags every span started under its provider with the
// session, project, source, and experiment identifiers found in the parent
// context's baggage.
//
// OnStart receives the same context.Context the caller passed to the span
// start, so baggage seeded by StartSpan, the middleware, or WithBaggage is
// visible here without any thread-local machinery. Enrichment is best-effort:
// a corrupted context or a panicking attribute conversion must never abort
// span creation.
//
// When baggage carries no identity at all (a span started on a context that
// never passed through this tracer), the processor falls back to its owning
// tracer's static identity, but only if the baggage does not name a different
// tracer instance. Two tracers sharing one provider therefore never
// cross-contaminate each other's spans.
type enrichProcessor struct {
	tracer *Tracer
}

func newEnrichProcessor(t *Tracer) *enrichProcessor {
	return &enrichProcessor{tracer: t}
}

// enrichKeys are the fixed baggage keys mirrored onto spans.
var enrichKeys = []string{
	KeySessionID,
	KeyProject,
	KeySource,
	KeyExperimentID,
	KeyExperimentName,
	KeyExperimentVariant,
	KeyExperimentGroup,
}

func (p *enrichProcessor) OnStart(parent context.Context, span sdktrace.ReadWriteSpan) {
	defer func() {
		// Enrichment must never abort span creation.
		_ = recover()
	}()

	entries := baggageEntries(parent)

	attrs := make([]attribute.KeyValue, 0, 2*len(enrichKeys))
	for _, key := range enrichKeys {
		if value, ok := entries[key]; ok && value != "" {
			attrs = appendNamespaced(attrs, key, value)
		}
	}
	for key, value := range entries {
		if len(key) > len(KeyExperimentMetadataPrefix) &&
			key[:len(KeyExperimentMetadataPrefix)] == KeyExperimentMetadataPrefix {
			attrs = appendNamespaced(attrs, key, value)
		}
	}

	// Fallback to the owning tracer's identity for spans started on contexts
	// that carry no baggage from this subsystem, unless the baggage names a
	// different tracer instance.
	if p.tracer != nil {
		owner := entries[KeyTracerID]
		if owner == "" || owner == p.tracer.id {
			if _, ok := entries[KeyProject]; !ok && p.tracer.project != "" {
				attrs = appendNamespaced(attrs, KeyProject, p.tracer.project)
			}
			if _, ok := entries[KeySource]; !ok && p.tracer.source != "" {
				attrs = appendNamespaced(attrs, KeySource, p.tracer.source)
			}
			if _, ok := entries[KeySessionID]; !ok {
				if sessionID := p.tracer.SessionID(); sessionID != "" {
					attrs = appendNamespaced(attrs, KeySessionID, sessionID)
				}
			}
		}
	}

	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
}

func (p *enrichProcessor) OnEnd(_ sdktrace.ReadOnlySpan) {}

func (p *enrichProcessor) Shutdown(_ context.Context) error {
	return nil
}

func (p *enrichProcessor) ForceFlush(_ context.Context) error {
	return nil
}

// appendNamespaced appends the value under both the stable and the legacy
// attribute namespaces.
func appendNamespaced(attrs []attribute.KeyValue, key, value string) []attribute.KeyValue {
	return append(attrs,
		attribute.String(AttrPrefixStable+key, value),
		attribute.String(AttrPrefixLegacy+key, value),
	)
}

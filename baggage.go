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
	"strings"

	"go.opentelemetry.io/otel/baggage"
)

// Well-known baggage keys read by the enrichment processor. Baggage set under
// these keys before a span is started becomes a span attribute under both the
// stable and the legacy attribute namespaces.
const (
	// KeySessionID carries the backend session identifier.
	KeySessionID = "session_id"
	// KeyProject carries the project name the tracer was configured with.
	KeyProject = "project"
	// KeySource carries the source label (e.g., "dev", "prod", "evaluation").
	KeySource = "source"
	// KeyTracerID carries the instance id of the tracer that seeded the
	// context. It is the only implicit path for tracer discovery; see
	// FromContext.
	KeyTracerID = "tracer_id"

	// Experiment context keys, populated from environment detection or
	// WithExperiment at tracer start.
	KeyExperimentID      = "experiment_id"
	KeyExperimentName    = "experiment_name"
	KeyExperimentVariant = "experiment_variant"
	KeyExperimentGroup   = "experiment_group"

	// KeyExperimentMetadataPrefix prefixes free-form experiment metadata
	// entries ("experiment_metadata.<key>").
	KeyExperimentMetadataPrefix = "experiment_metadata."
)

// WithBaggage returns a new context carrying the given key/value pair in its
// baggage. The parent context is never mutated; every call produces a new
// immutable snapshot, so concurrent readers of the parent are unaffected.
//
// Baggage rides along the context through synchronous call chains and, because
// Go requires contexts to be passed explicitly, across goroutine handoffs:
// capture the context at task-creation time and pass it to the goroutine.
// There is no ambient fallback; a goroutine started without the context does
// not see the baggage.
//
// Keys that violate the W3C Baggage key grammar (an HTTP token) are dropped
// and the parent context is returned unchanged; baggage is best-effort.
// Values are carried raw and percent-encoded by the propagator on the wire.
//
// Example:
//
//	ctx = tracing.WithBaggage(ctx, "user_id", "u-123")
//	ctx, span := tracer.StartSpan(ctx, "checkout")
func WithBaggage(ctx context.Context, key, value string) context.Context {
	if !validBaggageKey(key) {
		return ctx
	}
	member, err := baggage.NewMemberRaw(key, value)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}

// WithBaggageMap returns a new context carrying all entries of values in its
// baggage. Entries whose key violates the baggage key grammar are skipped.
func WithBaggageMap(ctx context.Context, values map[string]string) context.Context {
	bag := baggage.FromContext(ctx)
	for key, value := range values {
		if !validBaggageKey(key) {
			continue
		}
		member, err := baggage.NewMemberRaw(key, value)
		if err != nil {
			continue
		}
		next, err := bag.SetMember(member)
		if err != nil {
			continue
		}
		bag = next
	}
	return baggage.ContextWithBaggage(ctx, bag)
}

// BaggageValue returns the baggage value stored under key in ctx, or the
// empty string if the key is not present.
func BaggageValue(ctx context.Context, key string) string {
	return baggage.FromContext(ctx).Member(key).Value()
}

// BaggageValueDefault returns the baggage value stored under key in ctx, or
// def if the key is not present.
func BaggageValueDefault(ctx context.Context, key, def string) string {
	if m := baggage.FromContext(ctx).Member(key); m.Key() != "" {
		return m.Value()
	}
	return def
}

// validBaggageKey reports whether key is a valid W3C Baggage key, i.e. a
// non-empty HTTP token (RFC 7230 tchar characters only).
func validBaggageKey(key string) bool {
	if key == "" {
		return false
	}
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", c):
		default:
			return false
		}
	}
	return true
}

// baggageEntries returns all baggage entries in ctx as a map.
// Returns nil when the context carries no baggage.
func baggageEntries(ctx context.Context) map[string]string {
	members := baggage.FromContext(ctx).Members()
	if len(members) == 0 {
		return nil
	}
	entries := make(map[string]string, len(members))
	for _, m := range members {
		entries[m.Key()] = m.Value()
	}
	return entries
}

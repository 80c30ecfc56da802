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
	"sync"
)

// instanceRegistry tracks all live tracer instances so that decorators and
// enrichment calls without an explicit tracer can discover one through the
// context's baggage. The registry is the only piece of process-wide tracer
// state, and baggage-based lookup is the only implicit discovery path — there
// is deliberately no "current tracer" global.
var instanceRegistry = struct {
	mu      sync.RWMutex
	tracers map[string]*Tracer
}{
	tracers: make(map[string]*Tracer),
}

func registerInstance(t *Tracer) {
	instanceRegistry.mu.Lock()
	defer instanceRegistry.mu.Unlock()
	instanceRegistry.tracers[t.id] = t
}

func deregisterInstance(t *Tracer) {
	instanceRegistry.mu.Lock()
	defer instanceRegistry.mu.Unlock()
	delete(instanceRegistry.tracers, t.id)
}

// FromContext resolves the tracer whose id is carried in ctx's baggage
// (seeded by Tracer.Context, StartSpan, the middleware, or the decorators).
// Returns nil when the context names no live tracer; callers treat nil as
// "proceed untraced".
//
// Example:
//
//	if tracer := tracing.FromContext(ctx); tracer != nil {
//	    tracer.Flush(ctx)
//	}
func FromContext(ctx context.Context) *Tracer {
	id := BaggageValue(ctx, KeyTracerID)
	if id == "" {
		return nil
	}

	instanceRegistry.mu.RLock()
	defer instanceRegistry.mu.RUnlock()
	return instanceRegistry.tracers[id]
}

// liveInstanceCount reports the number of registered tracers. Test-only
// observability into registry state.
func liveInstanceCount() int {
	instanceRegistry.mu.RLock()
	defer instanceRegistry.mu.RUnlock()
	return len(instanceRegistry.tracers)
}

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

	"github.com/google/uuid"
)

// createSession obtains a backend session id via the API client. Any failure
// (network, auth, validation) leaves the tracer sessionless with a warning
// event: spans still carry project/source attributes locally, and remote
// session enrichment degrades to a no-op reporting false.
func (t *Tracer) createSession(ctx context.Context) {
	if t.api == nil {
		return
	}

	name := t.sessionName
	if name == "" {
		name = fmt.Sprintf("%s-%s", t.project, uuid.NewString()[:8])
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultAPITimeout)
		defer cancel()
	}

	resp, err := t.api.CreateSession(ctx, CreateSessionRequest{
		Project:     t.project,
		Source:      t.source,
		SessionName: name,
	})
	if err != nil {
		t.emitWarning("Session creation failed; tracer continues without a session",
			"project", t.project,
			"error", err,
		)
		return
	}

	t.sessionMu.Lock()
	t.sessionID = resp.SessionID
	t.sessionMu.Unlock()

	t.emitInfo("Session created", "session_id", resp.SessionID, "session_name", name)
}

// SessionID returns the backend session identifier, or the empty string when
// session creation has not run or did not succeed.
func (t *Tracer) SessionID() string {
	t.sessionMu.RLock()
	defer t.sessionMu.RUnlock()
	return t.sessionID
}

// HasSession reports whether the tracer holds a backend session.
func (t *Tracer) HasSession() bool {
	return t.SessionID() != ""
}

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
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultServerURL is the collection backend used when no override is configured.
const DefaultServerURL = "https://api.loomtrace.dev"

// defaultAPITimeout bounds session-creation and session-enrichment calls when
// the caller's context carries no deadline of its own.
const defaultAPITimeout = 10 * time.Second

// CreateSessionRequest is the payload for session creation.
type CreateSessionRequest struct {
	Project     string         `json:"project"`
	Source      string         `json:"source"`
	SessionName string         `json:"session_name"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CreateSessionResponse is the backend's answer to session creation.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// SessionUpdate carries enrichment data applied to a backend session record.
// All fields are optional; empty fields are omitted from the wire payload.
type SessionUpdate struct {
	Metadata       map[string]any     `json:"metadata,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	Config         map[string]any     `json:"config,omitempty"`
	Feedback       map[string]any     `json:"feedback,omitempty"`
	UserProperties map[string]any     `json:"user_properties,omitempty"`
	Inputs         any                `json:"inputs,omitempty"`
	Outputs        any                `json:"outputs,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// SessionAPI is the backend collaborator the tracer depends on. It owns
// transport-level concerns (retries, backoff, connection pooling); the tracer
// only requires these two call shapes and treats every error as a degradation
// signal, never a failure of application logic.
//
// Use WithAPIClient to substitute a fake in tests or an alternative transport
// in production.
type SessionAPI interface {
	// CreateSession registers a new session and returns its identifier.
	CreateSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResponse, error)

	// EnrichSession applies update to an existing session record.
	EnrichSession(ctx context.Context, sessionID string, update SessionUpdate) error
}

// httpSessionAPI is the default SessionAPI implementation, speaking JSON over
// HTTP to the collection backend.
type httpSessionAPI struct {
	client *resty.Client
}

var _ SessionAPI = (*httpSessionAPI)(nil)

// newHTTPSessionAPI builds the default backend client. When instrument is
// true the underlying transport is wrapped with otelhttp so backend calls
// themselves appear as client spans.
func newHTTPSessionAPI(serverURL, apiKey string, instrument bool) *httpSessionAPI {
	if serverURL == "" {
		serverURL = DefaultServerURL
	}

	client := resty.New().
		SetBaseURL(serverURL).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(defaultAPITimeout)

	if instrument {
		client.SetTransport(otelhttp.NewTransport(http.DefaultTransport))
	}

	return &httpSessionAPI{client: client}
}

func (a *httpSessionAPI) CreateSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResponse, error) {
	var result CreateSessionResponse

	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/v1/sessions")
	if err != nil {
		return CreateSessionResponse{}, fmt.Errorf("create session: %w", err)
	}
	if resp.IsError() {
		return CreateSessionResponse{}, fmt.Errorf("create session: backend returned %s", resp.Status())
	}
	if result.SessionID == "" {
		return CreateSessionResponse{}, fmt.Errorf("create session: backend returned no session id")
	}

	return result, nil
}

func (a *httpSessionAPI) EnrichSession(ctx context.Context, sessionID string, update SessionUpdate) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(update).
		Put("/v1/sessions/" + sessionID)
	if err != nil {
		return fmt.Errorf("enrich session: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("enrich session: backend returned %s", resp.Status())
	}

	return nil
}

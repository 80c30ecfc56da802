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

	"github.com/kelseyhightower/envconfig"
)

// envPrefix is the prefix for all environment variables read by EnvConfig,
// e.g. LOOMTRACE_API_KEY.
const envPrefix = "loomtrace"

// EnvConfig is the environment-driven tracer configuration consumed by
// NewFromEnv. Every field maps to a LOOMTRACE_* variable.
type EnvConfig struct {
	// APIKey authenticates against the backend (LOOMTRACE_API_KEY).
	APIKey string `envconfig:"API_KEY"`

	// Project names the project spans are attributed to (LOOMTRACE_PROJECT).
	Project string `envconfig:"PROJECT"`

	// Source labels the deployment environment (LOOMTRACE_SOURCE).
	Source string `envconfig:"SOURCE"`

	// SessionName overrides the generated session name
	// (LOOMTRACE_SESSION_NAME).
	SessionName string `envconfig:"SESSION_NAME"`

	// ServerURL overrides the backend base URL (LOOMTRACE_SERVER_URL).
	ServerURL string `envconfig:"SERVER_URL"`

	// Provider selects the export pipeline: noop, stdout, otlp, or otlp-http
	// (LOOMTRACE_PROVIDER).
	Provider string `envconfig:"PROVIDER"`

	// OTLPEndpoint is the collector endpoint for the otlp and otlp-http
	// providers (LOOMTRACE_OTLP_ENDPOINT).
	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`

	// OTLPInsecure disables transport security for OTLP gRPC export
	// (LOOMTRACE_OTLP_INSECURE).
	OTLPInsecure bool `envconfig:"OTLP_INSECURE"`

	// DisableExport keeps the tracer fully functional locally while skipping
	// exporter attachment (LOOMTRACE_DISABLE_EXPORT).
	DisableExport bool `envconfig:"DISABLE_EXPORT"`

	// DisableHTTPInstrumentation turns off otelhttp wrapping of the backend
	// client transport (LOOMTRACE_DISABLE_HTTP_INSTRUMENTATION).
	DisableHTTPInstrumentation bool `envconfig:"DISABLE_HTTP_INSTRUMENTATION"`

	// TestMode waives the API key requirement and keeps all calls local
	// (LOOMTRACE_TEST_MODE).
	TestMode bool `envconfig:"TEST_MODE"`
}

// options converts the populated config into tracer options. Unset fields
// contribute nothing, so explicit options passed alongside keep their usual
// precedence.
func (c *EnvConfig) options() ([]Option, error) {
	var opts []Option

	if c.APIKey != "" {
		opts = append(opts, WithAPIKey(c.APIKey))
	}
	if c.Project != "" {
		opts = append(opts, WithProject(c.Project))
	}
	if c.Source != "" {
		opts = append(opts, WithSource(c.Source))
	}
	if c.SessionName != "" {
		opts = append(opts, WithSessionName(c.SessionName))
	}
	if c.ServerURL != "" {
		opts = append(opts, WithServerURL(c.ServerURL))
	}
	if c.DisableExport {
		opts = append(opts, WithoutExport())
	}
	if c.DisableHTTPInstrumentation {
		opts = append(opts, WithoutHTTPInstrumentation())
	}
	if c.TestMode {
		opts = append(opts, WithTestMode())
	}

	switch Provider(c.Provider) {
	case "":
		// Keep the default pipeline.
	case NoopProvider:
		opts = append(opts, WithNoop())
	case StdoutProvider:
		opts = append(opts, WithStdout())
	case OTLPProvider:
		var otlpOpts []OTLPOption
		if c.OTLPInsecure {
			otlpOpts = append(otlpOpts, OTLPInsecure())
		}
		opts = append(opts, WithOTLP(c.OTLPEndpoint, otlpOpts...))
	case OTLPHTTPProvider:
		opts = append(opts, WithOTLPHTTP(c.OTLPEndpoint))
	default:
		return nil, fmt.Errorf("unknown provider %q (want noop, stdout, otlp, or otlp-http)", c.Provider)
	}

	return opts, nil
}

// NewFromEnv builds a tracer from LOOMTRACE_* environment variables, with any
// explicit options applied on top. Explicit options override their
// environment counterparts, except the export pipeline: configuring a
// provider both through LOOMTRACE_PROVIDER and an explicit option is a
// validation error, same as passing two provider options.
//
// Example:
//
//	tracer, err := tracing.NewFromEnv(tracing.WithSource("production"))
func NewFromEnv(opts ...Option) (*Tracer, error) {
	var cfg EnvConfig
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment configuration: %w", err)
	}

	envOpts, err := cfg.options()
	if err != nil {
		return nil, err
	}

	return New(append(envOpts, opts...)...)
}

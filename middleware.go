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
	"bufio"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// MiddlewareOption configures the tracing middleware.
// These options are separate from Tracer options and only affect HTTP middleware behavior.
type MiddlewareOption func(*middlewareConfig)

// middlewareConfig holds configuration for the middleware.
type middlewareConfig struct {
	pathFilter       *pathFilter
	recordHeaders    []string
	recordHeadersLow []string // Pre-lowercased for efficient lookup
	validationErrors []error  // Errors collected during option application
}

func newMiddlewareConfig() *middlewareConfig {
	return &middlewareConfig{
		pathFilter: newPathFilter(),
	}
}

// validate checks the middleware configuration and returns any collected errors.
func (c *middlewareConfig) validate() error {
	if len(c.validationErrors) == 0 {
		return nil
	}

	var errMsgs []string
	for _, err := range c.validationErrors {
		errMsgs = append(errMsgs, err.Error())
	}

	return fmt.Errorf("middleware validation errors: %s", strings.Join(errMsgs, "; "))
}

// MaxExcludedPaths is the maximum number of paths that can be excluded from tracing.
const MaxExcludedPaths = 1000

// WithExcludePaths excludes specific paths from tracing.
// Excluded paths will not create spans or record any tracing data.
// This is useful for health checks, metrics endpoints, etc.
//
// Maximum of 1000 paths can be excluded to prevent unbounded growth.
//
// Example:
//
//	handler := tracing.Middleware(tracer,
//	    tracing.WithExcludePaths("/health", "/metrics"),
//	)(mux)
func WithExcludePaths(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		for i, path := range paths {
			if i >= MaxExcludedPaths {
				break
			}
			c.pathFilter.addPaths(path)
		}
	}
}

// WithExcludePrefixes excludes paths with the given prefixes from tracing.
// This is useful for excluding entire path hierarchies like /debug/, /internal/, etc.
//
// Example:
//
//	handler := tracing.Middleware(tracer,
//	    tracing.WithExcludePrefixes("/debug/", "/internal/"),
//	)(mux)
func WithExcludePrefixes(prefixes ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.pathFilter.addPrefixes(prefixes...)
	}
}

// WithExcludePatterns excludes paths matching the given regex patterns from tracing.
// The patterns are compiled once during configuration.
// Returns a validation error if any pattern fails to compile.
//
// Example:
//
//	handler := tracing.Middleware(tracer,
//	    tracing.WithExcludePatterns(`^/v[0-9]+/internal/.*`),
//	)(mux)
func WithExcludePatterns(patterns ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		for _, pattern := range patterns {
			compiled, err := regexp.Compile(pattern)
			if err != nil {
				c.validationErrors = append(c.validationErrors,
					fmt.Errorf("excludePatterns: invalid regex %q: %w", pattern, err))

				continue
			}
			c.pathFilter.addPatterns(compiled)
		}
	}
}

// sensitiveHeaders contains header names that should never be recorded in traces.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"proxy-authorization": true,
	"www-authenticate":    true,
}

// WithHeaders records specific request headers as span attributes.
// Header names are case-insensitive. Recorded as 'http.request.header.{name}'.
//
// Security: Sensitive headers (Authorization, Cookie, etc.) are automatically
// filtered out to prevent accidental exposure of credentials in traces.
//
// Example:
//
//	handler := tracing.Middleware(tracer,
//	    tracing.WithHeaders("X-Request-ID", "X-Correlation-ID"),
//	)(mux)
func WithHeaders(headers ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		filtered := make([]string, 0, len(headers))
		for _, h := range headers {
			if !sensitiveHeaders[strings.ToLower(h)] {
				filtered = append(filtered, h)
			}
		}
		c.recordHeaders = filtered
		c.recordHeadersLow = make([]string, 0, len(filtered))
		for _, h := range filtered {
			c.recordHeadersLow = append(c.recordHeadersLow, strings.ToLower(h))
		}
	}
}

const attrPrefixHeader = "http.request.header."

// Middleware creates a middleware function for standard net/http handlers.
// Each non-excluded request gets a server span, with upstream trace context
// and baggage extracted from the incoming headers and the tracer's own
// session context seeded onto the request context, so spans created inside
// handlers inherit the session.
//
// Panics if any middleware option is invalid (e.g., invalid regex pattern).
//
// Example:
//
//	tracer := tracing.MustNew(
//	    tracing.WithProject("chat-api"),
//	    tracing.WithOTLP("localhost:4317"),
//	)
//
//	handler := tracing.Middleware(tracer,
//	    tracing.WithExcludePaths("/health", "/metrics"),
//	    tracing.WithHeaders("X-Request-ID"),
//	)(mux)
//
//	http.ListenAndServe(":8080", handler)
func Middleware(tracer *Tracer, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := newMiddlewareConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	// Validate configuration - panic on error for consistent API
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("tracing.Middleware: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tracer == nil {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.pathFilter.shouldExclude(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			// Extract upstream trace context and baggage, then seed the
			// tracer's session context on top.
			ctx := tracer.GetPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx = tracer.Context(ctx)

			ctx, span := tracer.GetTracer().Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer))

			attrs := make([]attribute.KeyValue, 0, 6+len(cfg.recordHeaders))
			attrs = append(attrs,
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.String()),
				attribute.String("http.host", r.Host),
				attribute.String("http.route", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			)
			for i, header := range cfg.recordHeaders {
				if value := r.Header.Get(header); value != "" {
					attrs = append(attrs, attribute.String(attrPrefixHeader+cfg.recordHeadersLow[i], value))
				}
			}
			span.SetAttributes(attrs...)

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			status := rw.StatusCode()
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusBadRequest {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()
		})
	}
}

// pathFilter decides which request paths the middleware skips.
type pathFilter struct {
	paths    map[string]bool
	prefixes []string
	patterns []*regexp.Regexp
}

func newPathFilter() *pathFilter {
	return &pathFilter{paths: make(map[string]bool)}
}

func (f *pathFilter) addPaths(paths ...string) {
	for _, p := range paths {
		f.paths[p] = true
	}
}

func (f *pathFilter) addPrefixes(prefixes ...string) {
	f.prefixes = append(f.prefixes, prefixes...)
}

func (f *pathFilter) addPatterns(patterns ...*regexp.Regexp) {
	f.patterns = append(f.patterns, patterns...)
}

func (f *pathFilter) shouldExclude(path string) bool {
	if f.paths[path] {
		return true
	}
	for _, prefix := range f.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, pattern := range f.patterns {
		if pattern.MatchString(path) {
			return true
		}
	}

	return false
}

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
	written    bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w}
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

// Write captures the response size.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.written = true
	}
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n

	return n, err
}

// StatusCode returns the HTTP status code.
func (rw *responseWriter) StatusCode() int {
	if rw.statusCode == 0 {
		return http.StatusOK
	}

	return rw.statusCode
}

// Size returns the response size in bytes.
func (rw *responseWriter) Size() int {
	return rw.size
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for WebSocket support.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}

	return nil, nil, fmt.Errorf("underlying ResponseWriter doesn't support Hijack")
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController support.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

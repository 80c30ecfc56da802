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

import "log/slog"

// EventType represents the severity of an internal operational event.
type EventType int

const (
	// EventError indicates an error event (e.g., failed to build an exporter).
	EventError EventType = iota
	// EventWarning indicates a warning event (e.g., session creation failed).
	EventWarning
	// EventInfo indicates an informational event (e.g., tracer started).
	EventInfo
	// EventDebug indicates a debug event (e.g., detailed operation logs).
	EventDebug
)

// Event represents an internal operational event from the tracing package.
// Events are used to report errors, warnings, and informational messages
// about the tracing system's operation. The tracer never surfaces these as
// errors to application code; backend unavailability and enrichment failures
// only produce events.
type Event struct {
	Type    EventType
	Message string
	Args    []any // slog-style key-value pairs
}

// EventHandler processes internal operational events from the tracing package.
// Implementations can log events, send them to monitoring systems, or take
// custom actions based on event type.
//
// Example custom handler:
//
//	tracing.WithEventHandler(func(e tracing.Event) {
//	    if e.Type == tracing.EventError {
//	        sentry.CaptureMessage(e.Message)
//	    }
//	    slog.Default().Info(e.Message, e.Args...)
//	})
type EventHandler func(Event)

// DefaultEventHandler returns an EventHandler that logs events to the provided slog.Logger.
// This is the default implementation used by WithLogger.
//
// If logger is nil, returns a no-op handler that discards all events.
func DefaultEventHandler(logger *slog.Logger) EventHandler {
	if logger == nil {
		return func(Event) {} // no-op
	}
	return func(e Event) {
		switch e.Type {
		case EventError:
			logger.Error(e.Message, e.Args...)
		case EventWarning:
			logger.Warn(e.Message, e.Args...)
		case EventInfo:
			logger.Info(e.Message, e.Args...)
		case EventDebug:
			logger.Debug(e.Message, e.Args...)
		}
	}
}

// emitError emits an error event if an event handler is configured.
func (t *Tracer) emitError(msg string, args ...any) {
	if t.eventHandler != nil {
		t.eventHandler(Event{Type: EventError, Message: msg, Args: args})
	}
}

// emitWarning emits a warning event if an event handler is configured.
func (t *Tracer) emitWarning(msg string, args ...any) {
	if t.eventHandler != nil {
		t.eventHandler(Event{Type: EventWarning, Message: msg, Args: args})
	}
}

// emitInfo emits an info event if an event handler is configured.
func (t *Tracer) emitInfo(msg string, args ...any) {
	if t.eventHandler != nil {
		t.eventHandler(Event{Type: EventInfo, Message: msg, Args: args})
	}
}

// emitDebug emits a debug event if an event handler is configured.
func (t *Tracer) emitDebug(msg string, args ...any) {
	if t.eventHandler != nil {
		t.eventHandler(Event{Type: EventDebug, Message: msg, Args: args})
	}
}

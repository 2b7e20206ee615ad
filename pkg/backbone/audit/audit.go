// Package audit records security, validation and alerting outcomes that must
// be reviewable after the fact.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
)

// Kind identifies what an audit record is about.
type Kind string

const (
	// KindValidationRejected is written when production mode drops an event.
	KindValidationRejected Kind = "validation_rejected"

	// KindSecurityFailure is written for every security-class delivery failure.
	KindSecurityFailure Kind = "security_failure"

	// KindFatalAlert is raised for every fatal-class delivery failure.
	KindFatalAlert Kind = "fatal_alert"

	// KindDeadLetterBacklog is raised when dead-letter depth or age crosses a threshold.
	KindDeadLetterBacklog Kind = "deadletter_backlog"

	// KindFanoutFlagged is raised when a cross-domain edge needs a dedicated pipeline.
	KindFanoutFlagged Kind = "fanout_flagged"
)

// Record is a single audit entry.
type Record struct {
	Kind          Kind                 `json:"kind"`
	At            time.Time            `json:"at"`
	EventID       string               `json:"event_id,omitempty"`
	Domain        string               `json:"domain,omitempty"`
	Type          string               `json:"type,omitempty"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	Origin        string               `json:"origin,omitempty"`
	Class         *bberrors.ErrorClass `json:"error_class,omitempty"`
	Detail        map[string]string    `json:"detail,omitempty"`
}

// Sink persists or forwards audit records.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, r Record) error

// Write implements Sink.
func (f SinkFunc) Write(ctx context.Context, r Record) error {
	return f(ctx, r)
}

// Discard is a Sink that drops every record.
var Discard Sink = SinkFunc(func(context.Context, Record) error { return nil })

// MemorySink keeps records in memory. Useful for tests and single-process deployments.
type MemorySink struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write implements Sink.
func (s *MemorySink) Write(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// Records returns a copy of all records in write order.
func (s *MemorySink) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// ByKind returns the records of one kind.
func (s *MemorySink) ByKind(kind Kind) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of records.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// LogSink writes records as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Write implements Sink.
func (s *LogSink) Write(ctx context.Context, r Record) error {
	attrs := []slog.Attr{
		slog.String("audit_kind", string(r.Kind)),
		slog.Time("at", r.At),
	}
	if r.EventID != "" {
		attrs = append(attrs, slog.String("event_id", r.EventID))
	}
	if r.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", r.CorrelationID))
	}
	if r.Domain != "" {
		attrs = append(attrs, slog.String("domain", r.Domain), slog.String("type", r.Type))
	}
	if r.Class != nil {
		attrs = append(attrs,
			slog.String("error_class", string(r.Class.Class)),
			slog.String("code", r.Class.Code),
			slog.String("error", r.Class.Reason),
		)
	}
	for k, v := range r.Detail {
		attrs = append(attrs, slog.String(k, v))
	}

	level := slog.LevelWarn
	switch r.Kind {
	case KindSecurityFailure, KindFatalAlert:
		level = slog.LevelError
	}
	s.logger.LogAttrs(ctx, level, "audit record", attrs...)
	return nil
}

type multiSink []Sink

// Multi fans a record out to every sink. All sinks are written even if one fails.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Write implements Sink.
func (m multiSink) Write(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Alerter raises operator alerts.
type Alerter interface {
	Alert(ctx context.Context, r Record) error
}

// SinkAlerter raises alerts by writing them to a Sink.
type SinkAlerter struct {
	Sink Sink
}

// Alert implements Alerter.
func (a SinkAlerter) Alert(ctx context.Context, r Record) error {
	if a.Sink == nil {
		return nil
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	return a.Sink.Write(ctx, r)
}

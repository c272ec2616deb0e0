// Package audit emits security-relevant redemption events to one or
// more sinks. Emission is fire-and-forget: a lost or failed audit event
// must never fail the operation that produced it.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/plexward/plexward-go/internal/store"
)

// Kind enumerates the audited state transitions of a redemption.
type Kind string

const (
	KindConsumed            Kind = "consumed"
	KindPlexFailure         Kind = "plex-failure"
	KindRollback            Kind = "rollback"
	KindRollbackFailed      Kind = "rollback-failed"
	KindTransactionConflict Kind = "transaction-conflict"
)

// ActorSystem is the actor recorded for events produced by the
// redemption flow itself rather than a signed-in operator.
const ActorSystem = "system"

// Stage tags identify which leg of the redemption saga failed.
const (
	StageInviteToServer = "invite_to_server"
	StageAcceptInvite   = "accept_invite"
	StageRecordUsage    = "record_usage"
)

// Payload carries the structured details of an event. Zero-valued
// fields are omitted from the serialized form.
type Payload struct {
	InviteID   string `json:"invite_id,omitempty"`
	InviteCode string `json:"invite_code,omitempty"`
	Email      string `json:"email,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Error      string `json:"error,omitempty"`
	// RollbackError is set on rollback-failed events alongside Error,
	// which keeps the original failure that triggered the rollback.
	RollbackError string `json:"rollback_error,omitempty"`
	Attempt       int    `json:"attempt,omitempty"`
}

// Event is one audited state transition.
type Event struct {
	ID      string
	Kind    Kind
	Actor   string
	Time    time.Time
	Payload Payload
}

// Sink receives audit events. Implementations must not return errors
// into the caller's control flow and must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// fill populates defaulted event fields.
func fill(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Actor == "" {
		event.Actor = ActorSystem
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
}

// SlogSink writes events as structured log records.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a log-backed sink.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, event Event) {
	fill(&event)

	attrs := []any{
		"event_id", event.ID,
		"kind", string(event.Kind),
		"actor", event.Actor,
	}
	p := event.Payload
	if p.InviteID != "" {
		attrs = append(attrs, "invite_id", p.InviteID)
	}
	if p.Stage != "" {
		attrs = append(attrs, "stage", p.Stage)
	}
	if p.Error != "" {
		attrs = append(attrs, "error", p.Error)
	}
	if p.RollbackError != "" {
		attrs = append(attrs, "rollback_error", p.RollbackError)
	}
	if p.Attempt > 0 {
		attrs = append(attrs, "attempt", p.Attempt)
	}

	switch event.Kind {
	case KindRollbackFailed:
		s.logger.Error("audit event", attrs...)
	case KindPlexFailure, KindRollback, KindTransactionConflict:
		s.logger.Warn("audit event", attrs...)
	default:
		s.logger.Info("audit event", attrs...)
	}
}

// StoreSink appends events to the store's audit trail. Persistence
// failures are logged and swallowed.
type StoreSink struct {
	trail  store.AuditStore
	logger *slog.Logger
}

// NewStoreSink creates a store-backed sink.
func NewStoreSink(trail store.AuditStore, logger *slog.Logger) *StoreSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSink{trail: trail, logger: logger}
}

func (s *StoreSink) Emit(ctx context.Context, event Event) {
	fill(&event)

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		s.logger.Warn("failed to marshal audit payload", "kind", string(event.Kind), "error", err)
		payload = []byte("{}")
	}

	record := &store.AuditEvent{
		ID:        event.ID,
		Kind:      string(event.Kind),
		Actor:     event.Actor,
		Payload:   string(payload),
		CreatedAt: event.Time,
	}
	if err := s.trail.AppendAuditEvent(ctx, record); err != nil {
		s.logger.Warn("failed to persist audit event", "kind", string(event.Kind), "error", err)
	}
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	fill(&event)
	for _, sink := range m {
		sink.Emit(ctx, event)
	}
}

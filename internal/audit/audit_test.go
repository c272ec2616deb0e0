package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/plexward/plexward-go/internal/store"
)

type failingTrail struct{}

func (failingTrail) AppendAuditEvent(ctx context.Context, event *store.AuditEvent) error {
	return store.ErrClosed
}

type recordingTrail struct {
	events []*store.AuditEvent
}

func (t *recordingTrail) AppendAuditEvent(ctx context.Context, event *store.AuditEvent) error {
	t.events = append(t.events, event)
	return nil
}

func TestSlogSinkSeverity(t *testing.T) {
	tests := []struct {
		kind      Kind
		wantLevel string
	}{
		{KindConsumed, "INFO"},
		{KindPlexFailure, "WARN"},
		{KindRollback, "WARN"},
		{KindTransactionConflict, "WARN"},
		{KindRollbackFailed, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			var buf bytes.Buffer
			sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

			sink.Emit(context.Background(), Event{Kind: tt.kind})

			var record map[string]any
			if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
				t.Fatalf("failed to parse log line: %v", err)
			}
			if record["level"] != tt.wantLevel {
				t.Errorf("expected level %s, got %v", tt.wantLevel, record["level"])
			}
			if record["kind"] != string(tt.kind) {
				t.Errorf("expected kind %s, got %v", tt.kind, record["kind"])
			}
			if record["actor"] != ActorSystem {
				t.Errorf("expected defaulted actor, got %v", record["actor"])
			}
		})
	}
}

func TestStoreSinkPersistsEvent(t *testing.T) {
	trail := &recordingTrail{}
	sink := NewStoreSink(trail, slog.New(slog.NewTextHandler(io.Discard, nil)))

	sink.Emit(context.Background(), Event{
		Kind: KindRollback,
		Payload: Payload{
			InviteID: "inv-1",
			Stage:    StageInviteToServer,
			Error:    "Server unavailable",
		},
	})

	if len(trail.events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(trail.events))
	}
	record := trail.events[0]
	if record.Kind != string(KindRollback) || record.ID == "" || record.CreatedAt.IsZero() {
		t.Errorf("unexpected record: %+v", record)
	}

	var payload Payload
	if err := json.Unmarshal([]byte(record.Payload), &payload); err != nil {
		t.Fatalf("failed to parse payload: %v", err)
	}
	if payload.InviteID != "inv-1" || payload.Stage != StageInviteToServer {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if !strings.Contains(record.Payload, "Server unavailable") {
		t.Errorf("error text missing from payload: %s", record.Payload)
	}
}

func TestStoreSinkSwallowsPersistenceFailures(t *testing.T) {
	sink := NewStoreSink(failingTrail{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Must not panic or propagate the error.
	sink.Emit(context.Background(), Event{Kind: KindConsumed})
}

func TestMultiSinkFansOut(t *testing.T) {
	first := &recordingTrail{}
	second := &recordingTrail{}
	sink := MultiSink{
		NewStoreSink(first, slog.New(slog.NewTextHandler(io.Discard, nil))),
		NewStoreSink(second, slog.New(slog.NewTextHandler(io.Discard, nil))),
	}

	sink.Emit(context.Background(), Event{Kind: KindConsumed})

	if len(first.events) != 1 || len(second.events) != 1 {
		t.Errorf("expected both sinks to receive the event, got %d and %d",
			len(first.events), len(second.events))
	}
}

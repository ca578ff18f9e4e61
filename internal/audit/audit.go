// Package audit records state-changing events. Sink failures are logged and
// swallowed: an audit outage must never abort the operation being audited.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Event struct {
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor"`
	Resource  string         `json:"resource"`
	Action    string         `json:"action"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Sink interface {
	LogEvent(ctx context.Context, e Event)
}

// PGSink writes events to the audit_events table.
type PGSink struct {
	DB     *pgxpool.Pool
	logger *slog.Logger
}

func NewPGSink(db *pgxpool.Pool) *PGSink {
	return &PGSink{DB: db, logger: slog.Default().With("component", "audit")}
}

func (s *PGSink) LogEvent(ctx context.Context, e Event) {
	meta, _ := json.Marshal(e.Metadata)
	_, err := s.DB.Exec(ctx, `INSERT INTO audit_events(event_type,actor,resource,action,metadata)
VALUES($1,$2,$3,$4,$5::jsonb)`, e.EventType, e.Actor, e.Resource, e.Action, string(meta))
	if err != nil {
		s.logger.Error("audit write failed", "event_type", e.EventType, "resource", e.Resource, "error", err)
	}
}

// MemorySink collects events for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) LogEvent(_ context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

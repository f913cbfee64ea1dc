// Package store defines the audit log interface for the relay and provides
// SQLite and PostgreSQL implementations.
//
// Only connection lifecycle events are recorded. Relayed frames and sniff
// credentials are never stored.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Audit actions recorded by the relay.
const (
	ActionConnOpen    = "conn.open"
	ActionConnClose   = "conn.close"
	ActionRoomJoin    = "room.join"
	ActionSniffStart  = "sniff.start"
	ActionSniffStop   = "sniff.stop"
	ActionSniffReject = "sniff.reject"
	ActionJobDispatch = "job.dispatch"
)

// Store is the persistence interface for the relay.
type Store interface {
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	// CountAuditEvents returns per-action counts of events created at or after since.
	CountAuditEvents(ctx context.Context, since time.Time) (map[string]int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	ConnID     string          `json:"conn_id,omitempty"`
	Room       string          `json:"room,omitempty"`
	RemoteAddr string          `json:"remote_addr,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	Action string // prefix match, e.g. "sniff."
	ConnID string
	Room   string
	Limit  int // default 50
	Offset int
}

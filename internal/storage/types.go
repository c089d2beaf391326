package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the minimal persistence API used by the dedup set and the quota tracker.
//
// Writes must be durable before they return: callers acknowledge an action as
// recorded only after PutSeen succeeds.
type Store interface {
	PutSeen(ctx context.Context, key string, at time.Time) error
	HasSeen(ctx context.Context, key string) (bool, error)
	LoadSeen(ctx context.Context) (map[string]time.Time, error)

	PutQuota(ctx context.Context, q QuotaRecord) error
	LoadQuota(ctx context.Context) ([]QuotaRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// QuotaRecord is the persisted form of one action kind's daily counter.
type QuotaRecord struct {
	Kind     string    `json:"kind"`
	Count    int       `json:"count"`
	Boundary time.Time `json:"boundary"`
}

// AuditEntry records one execution attempt.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	ItemID    string    `json:"item_id"`
	Target    string    `json:"target"`
	Query     string    `json:"query,omitempty"`
	Result    string    `json:"result"` // ok | simulated | transient | permanent | auth
	Error     string    `json:"err,omitempty"`
	TookMS    int64     `json:"took_ms"`
	Simulated bool      `json:"simulated,omitempty"`
}

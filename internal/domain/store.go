package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Event streams, one per subsystem plus the operational audit stream.
const (
	StreamVault      = "vault"
	StreamSplitter   = "splitter"
	StreamGovernance = "governance"
	StreamLedger     = "ledger"
	StreamFallback   = "fallback"
	StreamAudit      = "audit"
)

// Streams lists every stream in replay order.
var Streams = []string{
	StreamLedger,
	StreamVault,
	StreamSplitter,
	StreamGovernance,
	StreamFallback,
	StreamAudit,
}

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	Stream string
}

// Event is one committed entry of the append-only log. Seq is assigned by
// the log and is strictly increasing across all streams.
type Event struct {
	Seq        uint64          `json:"seq"`
	Stream     string          `json:"stream"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt Timestamp       `json:"recorded_at"`
}

// EventLog persists the append-only log every aggregate is rebuilt from.
type EventLog interface {
	Append(ctx context.Context, ev Event) (Event, error)
	Load(ctx context.Context, stream string) ([]Event, error)
	List(ctx context.Context, opts ListOpts) ([]Event, error)
}

// EventSink receives events after they are committed. Sinks must not block
// for long; failures never roll back the commit.
type EventSink interface {
	Handle(ctx context.Context, ev Event) error
	Name() string
}

package stores

import (
	"context"
	"time"

	"github.com/stagehand/stagehand/pkg/engine"
)

// EventLevel represents the severity level of a journal event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Event is one append-only entry in an execution's transition journal
type Event struct {
	ID          int64                  `json:"id"`
	ExecutionID string                 `json:"execution_id"`
	FromStatus  engine.ExecutionStatus `json:"from_status,omitempty"`
	ToStatus    engine.ExecutionStatus `json:"to_status"`
	Level       EventLevel             `json:"level"`
	Message     string                 `json:"message"`
	Details     *string                `json:"details,omitempty"` // JSON blob
	Timestamp   time.Time              `json:"timestamp"`
}

// AuditEntry records an operator action such as an approval or manual rollback
type AuditEntry struct {
	ID          int64     `json:"id"`
	Action      string    `json:"action"` // e.g., "execution.submitted", "execution.approved"
	Actor       string    `json:"actor"`
	ExecutionID *string   `json:"execution_id,omitempty"`
	Details     *string   `json:"details,omitempty"` // JSON blob
	Timestamp   time.Time `json:"timestamp"`
}

// Audit actions written by the CLI.
const (
	AuditSubmitted  = "execution.submitted"
	AuditApproved   = "execution.approved"
	AuditRejected   = "execution.rejected"
	AuditCancelled  = "execution.cancelled"
	AuditRolledBack = "execution.rolled_back"
)

// Store is a durable checkpoint store with an explicit lifecycle
type Store interface {
	engine.CheckpointStore

	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error

	// Utility
	HealthCheck(ctx context.Context) error
}

// Journal keeps the transition history and operator audit trail
type Journal interface {
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, executionID string, limit int) ([]*Event, error)

	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)
}

// Backend is a store that also keeps a journal. Every driver returned by
// Open implements it.
type Backend interface {
	Store
	Journal
}

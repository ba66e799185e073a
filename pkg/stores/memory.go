package stores

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stagehand/stagehand/pkg/engine"
)

// MemoryBackend is an in-process Backend for tests and dry-run deployments.
// Nothing survives a restart.
type MemoryBackend struct {
	*engine.MemoryStore

	mu     sync.Mutex
	events []*Event
	audit  []*AuditEntry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{MemoryStore: engine.NewMemoryStore()}
}

// Init is a no-op.
func (m *MemoryBackend) Init(context.Context) error { return nil }

// Migrate is a no-op.
func (m *MemoryBackend) Migrate(context.Context) error { return nil }

// HealthCheck always succeeds.
func (m *MemoryBackend) HealthCheck(ctx context.Context) error { return ctx.Err() }

// AppendEvent appends a transition event to the journal.
func (m *MemoryBackend) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = int64(len(m.events) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	stored := *event
	m.events = append(m.events, &stored)
	return nil
}

// ListEvents returns the journal of an execution in append order.
func (m *MemoryBackend) ListEvents(_ context.Context, executionID string, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 1000
	}
	out := []*Event{}
	for _, e := range m.events {
		if e.ExecutionID != executionID {
			continue
		}
		if len(out) == limit {
			break
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// CreateAuditEntry creates a new audit log entry.
func (m *MemoryBackend) CreateAuditEntry(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.audit) + 1)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	stored := *entry
	m.audit = append(m.audit, &stored)
	return nil
}

// ListAuditEntries lists audit entries newest first with optional filters.
func (m *MemoryBackend) ListAuditEntries(_ context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := []*AuditEntry{}
	for _, e := range m.audit {
		if action != nil && e.Action != *action {
			continue
		}
		if actor != nil && e.Actor != *actor {
			continue
		}
		c := *e
		matched = append(matched, &c)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})

	if offset >= len(matched) {
		return []*AuditEntry{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

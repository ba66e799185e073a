package stores

import (
	"context"
	"testing"
	"time"

	"github.com/stagehand/stagehand/pkg/engine"
)

// runJournalSuite exercises the Journal contract shared by every backend.
func runJournalSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("Events", func(t *testing.T) { testEvents(t, newBackend(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newBackend(t)) })
}

func strPtr(s string) *string { return &s }

func testEvents(t *testing.T, store Backend) {
	defer store.Close()
	ctx := context.Background()

	transitions := []struct {
		exec     string
		from, to engine.ExecutionStatus
	}{
		{"exec-1", "", engine.StatusPending},
		{"exec-1", engine.StatusPending, engine.StatusValidating},
		{"exec-2", "", engine.StatusPending},
		{"exec-1", engine.StatusValidating, engine.StatusFailed},
	}
	for _, tr := range transitions {
		event := &Event{
			ExecutionID: tr.exec,
			FromStatus:  tr.from,
			ToStatus:    tr.to,
			Level:       levelFor(tr.to),
			Message:     "moved to " + string(tr.to),
		}
		if tr.to == engine.StatusFailed {
			event.Details = strPtr(`{"code":"APPLY_FAILED"}`)
		}
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.ID == 0 || event.Timestamp.IsZero() {
			t.Errorf("expected id and timestamp to be assigned, got %+v", event)
		}
	}

	events, err := store.ListEvents(ctx, "exec-1", 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	want := []engine.ExecutionStatus{engine.StatusPending, engine.StatusValidating, engine.StatusFailed}
	for i, e := range events {
		if e.ToStatus != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], e.ToStatus)
		}
	}
	last := events[2]
	if last.Level != EventLevelError || last.FromStatus != engine.StatusValidating {
		t.Errorf("unexpected failure event: %+v", last)
	}
	if last.Details == nil || *last.Details != `{"code":"APPLY_FAILED"}` {
		t.Errorf("expected details to round trip, got %v", last.Details)
	}

	limited, err := store.ListEvents(ctx, "exec-1", 2)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(limited) != 2 || limited[0].ToStatus != engine.StatusPending {
		t.Errorf("expected the first 2 events, got %d", len(limited))
	}

	none, err := store.ListEvents(ctx, "exec-missing", 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no events, got %d", len(none))
	}
}

func testAudit(t *testing.T, store Backend) {
	defer store.Close()
	ctx := context.Background()
	base := time.Now().Add(-time.Minute).UTC()

	entries := []*AuditEntry{
		{Action: AuditSubmitted, Actor: "alice", ExecutionID: strPtr("exec-1"), Timestamp: base},
		{Action: AuditApproved, Actor: "bob", ExecutionID: strPtr("exec-1"), Timestamp: base.Add(time.Second)},
		{Action: AuditSubmitted, Actor: "bob", ExecutionID: strPtr("exec-2"), Timestamp: base.Add(2 * time.Second)},
		{Action: AuditRolledBack, Actor: "alice", ExecutionID: strPtr("exec-1"), Details: strPtr(`{"unreverted":[]}`), Timestamp: base.Add(3 * time.Second)},
	}
	for _, e := range entries {
		if err := store.CreateAuditEntry(ctx, e); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
	}

	all, err := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(all))
	}
	if all[0].Action != AuditRolledBack || all[3].Action != AuditSubmitted {
		t.Errorf("expected newest first, got %s ... %s", all[0].Action, all[3].Action)
	}
	if all[0].Details == nil || all[0].ExecutionID == nil || *all[0].ExecutionID != "exec-1" {
		t.Errorf("expected optional fields to round trip, got %+v", all[0])
	}

	submitted, err := store.ListAuditEntries(ctx, strPtr(AuditSubmitted), nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(submitted) != 2 {
		t.Errorf("expected 2 submitted entries, got %d", len(submitted))
	}

	bob, err := store.ListAuditEntries(ctx, nil, strPtr("bob"), 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(bob) != 2 {
		t.Errorf("expected 2 entries by bob, got %d", len(bob))
	}

	page, err := store.ListAuditEntries(ctx, nil, nil, 2, 1)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(page) != 2 || page[0].Action != AuditSubmitted || page[1].Action != AuditApproved {
		t.Errorf("unexpected page: %d entries", len(page))
	}
}

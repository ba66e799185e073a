package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stagehand/stagehand/pkg/engine"
)

// sqlStore holds the checkpoint and journal queries shared by the SQL
// backends. Queries are written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db     *sql.DB
	rebind func(string) string
}

func questionMarks(query string) string { return query }

// dollarPlaceholders rewrites ? placeholders as $1, $2, ...
func dollarPlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) ready() error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return nil
}

// Put implements engine.CheckpointStore. A write succeeds only when the stored
// version equals expectedVersion; version 0 creates the checkpoint.
func (s *sqlStore) Put(ctx context.Context, cp *engine.Checkpoint, expectedVersion int64) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	next := expectedVersion + 1

	var (
		result sql.Result
		err    error
	)
	if expectedVersion == 0 {
		query := `
			INSERT INTO checkpoints (execution_id, version, target_resource_id, status, active, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (execution_id) DO NOTHING
		`
		result, err = s.db.ExecContext(ctx, s.rebind(query),
			cp.ExecutionID,
			next,
			cp.TargetResourceID,
			string(cp.Status),
			cp.Active,
			string(cp.State),
			cp.CreatedAt.UnixNano(),
			cp.UpdatedAt.UnixNano(),
		)
	} else {
		query := `
			UPDATE checkpoints
			SET version = ?, target_resource_id = ?, status = ?, active = ?, state = ?, updated_at = ?
			WHERE execution_id = ? AND version = ?
		`
		result, err = s.db.ExecContext(ctx, s.rebind(query),
			next,
			cp.TargetResourceID,
			string(cp.Status),
			cp.Active,
			string(cp.State),
			cp.UpdatedAt.UnixNano(),
			cp.ExecutionID,
			expectedVersion,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write checkpoint: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, s.conflict(ctx, cp.ExecutionID, expectedVersion)
	}
	return next, nil
}

func (s *sqlStore) conflict(ctx context.Context, executionID string, expected int64) error {
	var actual int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT version FROM checkpoints WHERE execution_id = ?`), executionID).Scan(&actual)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read checkpoint version: %w", err)
	}
	return engine.NewCheckpointConflictError(executionID, expected, actual)
}

const checkpointColumns = `execution_id, version, target_resource_id, status, active, state, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(row rowScanner) (*engine.Checkpoint, error) {
	var (
		cp                 engine.Checkpoint
		status, state      string
		created, updatedAt int64
	)
	if err := row.Scan(
		&cp.ExecutionID,
		&cp.Version,
		&cp.TargetResourceID,
		&status,
		&cp.Active,
		&state,
		&created,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	cp.Status = engine.ExecutionStatus(status)
	cp.State = []byte(state)
	cp.CreatedAt = time.Unix(0, created).UTC()
	cp.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &cp, nil
}

// Get implements engine.CheckpointStore.
func (s *sqlStore) Get(ctx context.Context, executionID string) (*engine.Checkpoint, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE execution_id = ?`

	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, s.rebind(query), executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError("checkpoint not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

// List implements engine.CheckpointStore. Results are ordered by creation time.
func (s *sqlStore) List(ctx context.Context, filter engine.CheckpointFilter) ([]*engine.Checkpoint, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []interface{}
	)
	if filter.TargetResourceID != "" {
		where = append(where, "target_resource_id = ?")
		args = append(args, filter.TargetResourceID)
	}
	if filter.ActiveOnly {
		where = append(where, "active = ?")
		args = append(args, true)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + checkpointColumns + ` FROM checkpoints`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, execution_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	cps := []*engine.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return cps, nil
}

// AppendEvent appends a transition event to the journal
func (s *sqlStore) AppendEvent(ctx context.Context, event *Event) error {
	if err := s.ready(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	query := `
		INSERT INTO execution_events (execution_id, from_status, to_status, level, message, details, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		event.ExecutionID,
		string(event.FromStatus),
		string(event.ToStatus),
		string(event.Level),
		event.Message,
		event.Details,
		event.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the journal of an execution in append order
func (s *sqlStore) ListEvents(ctx context.Context, executionID string, limit int) ([]*Event, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT id, execution_id, from_status, to_status, level, message, details, occurred_at
		FROM execution_events
		WHERE execution_id = ?
		ORDER BY id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), executionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var (
			event           Event
			from, to, level string
			timestamp       int64
		)
		if err := rows.Scan(&event.ID, &event.ExecutionID, &from, &to, &level, &event.Message, &event.Details, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.FromStatus = engine.ExecutionStatus(from)
		event.ToStatus = engine.ExecutionStatus(to)
		event.Level = EventLevel(level)
		event.Timestamp = time.Unix(0, timestamp).UTC()
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *sqlStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	query := `
		INSERT INTO audit (action, actor, execution_id, details, occurred_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		entry.Action,
		entry.Actor,
		entry.ExecutionID,
		entry.Details,
		entry.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *sqlStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := `SELECT id, action, actor, execution_id, details, occurred_at FROM audit WHERE 1=1`
	var args []interface{}
	if action != nil {
		query += " AND action = ?"
		args = append(args, *action)
	}
	if actor != nil {
		query += " AND actor = ?"
		args = append(args, *actor)
	}
	query += " ORDER BY occurred_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		var (
			entry     AuditEntry
			timestamp int64
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.ExecutionID, &entry.Details, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = time.Unix(0, timestamp).UTC()
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

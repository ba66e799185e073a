package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stagehand/stagehand/pkg/engine"
)

// Key layout:
//
//	cp/<execution_id>                 checkpoint JSON
//	ev/<execution_id>/<seq:uint64be>  journal event JSON
//	au/<seq:uint64be>                 audit entry JSON
var (
	checkpointPrefix = []byte("cp/")
	eventPrefix      = []byte("ev/")
	auditPrefix      = []byte("au/")
	eventSeqKey      = []byte("seq/events")
	auditSeqKey      = []byte("seq/audit")
)

// BadgerConfig holds configuration for an embedded BadgerDB store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps all data in memory. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCInterval is how often value log garbage collection runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio before GC rewrites a file.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production defaults for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// BadgerStore implements Backend on an embedded BadgerDB. Checkpoint writes
// rely on Badger's serializable transactions: two writers racing on the same
// key cannot both commit.
type BadgerStore struct {
	cfg    BadgerConfig
	db     *badger.DB
	events *badger.Sequence
	audit  *badger.Sequence
	stopGC chan struct{}
	gcDone chan struct{}
	logger zerolog.Logger
}

// NewBadgerStore creates a new BadgerDB store. Call Init before use.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("path is required for persistent database")
	}
	return &BadgerStore{
		cfg:    cfg,
		logger: log.With().Str("component", "badger_store").Logger(),
	}, nil
}

// badgerLogger adapts zerolog to BadgerDB's Logger interface.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}

// Init opens the database and starts value log GC when configured.
func (s *BadgerStore) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var opts badger.Options
	if s.cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.cfg.Path, 0750); err != nil {
			return fmt.Errorf("create database directory %s: %w", s.cfg.Path, err)
		}
		opts = badger.DefaultOptions(s.cfg.Path)
	}
	opts = opts.WithSyncWrites(s.cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger: s.logger})

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger database: %w", err)
	}

	events, err := db.GetSequence(eventSeqKey, 100)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to open event sequence: %w", err)
	}
	audit, err := db.GetSequence(auditSeqKey, 100)
	if err != nil {
		_ = events.Release()
		_ = db.Close()
		return fmt.Errorf("failed to open audit sequence: %w", err)
	}

	s.db, s.events, s.audit = db, events, audit

	if s.cfg.GCInterval > 0 && !s.cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC()
	}
	return nil
}

// Migrate is a no-op: the key layout carries no schema.
func (s *BadgerStore) Migrate(_ context.Context) error {
	return s.ready()
}

func (s *BadgerStore) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing needed collecting
			if err := s.db.RunValueLogGC(s.cfg.GCDiscardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn().Err(err).Msg("Value log GC failed")
			}
		}
	}
}

func (s *BadgerStore) ready() error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return nil
}

// withTxn runs fn in a read-write transaction and commits when fn succeeds.
func (s *BadgerStore) withTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// withReadTxn runs fn in a read-only transaction.
func (s *BadgerStore) withReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

func checkpointKey(executionID string) []byte {
	return append(append([]byte{}, checkpointPrefix...), executionID...)
}

func eventKeyPrefix(executionID string) []byte {
	key := append(append([]byte{}, eventPrefix...), executionID...)
	return append(key, '/')
}

func seqKey(prefix []byte, seq uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func readJSON(item *badger.Item, v interface{}) error {
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// Put implements engine.CheckpointStore.
func (s *BadgerStore) Put(ctx context.Context, cp *engine.Checkpoint, expectedVersion int64) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	key := checkpointKey(cp.ExecutionID)
	next := expectedVersion + 1

	err := s.withTxn(ctx, func(txn *badger.Txn) error {
		var existing engine.Checkpoint
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return fmt.Errorf("failed to read checkpoint: %w", err)
		default:
			if err := readJSON(item, &existing); err != nil {
				return fmt.Errorf("failed to decode checkpoint: %w", err)
			}
		}
		if existing.Version != expectedVersion {
			return engine.NewCheckpointConflictError(cp.ExecutionID, expectedVersion, existing.Version)
		}

		stored := *cp
		stored.Version = next
		// created_at is fixed by the first write
		if existing.Version > 0 {
			stored.CreatedAt = existing.CreatedAt
		}
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent writer committed first.
		return 0, engine.NewCheckpointConflictError(cp.ExecutionID, expectedVersion, 0)
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Get implements engine.CheckpointStore.
func (s *BadgerStore) Get(ctx context.Context, executionID string) (*engine.Checkpoint, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var cp engine.Checkpoint
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(executionID))
		if err != nil {
			return err
		}
		return readJSON(item, &cp)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, engine.NewPermanentError("checkpoint not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return &cp, nil
}

// List implements engine.CheckpointStore. Badger has no secondary indexes,
// so List scans every checkpoint and filters in memory.
func (s *BadgerStore) List(ctx context.Context, filter engine.CheckpointFilter) ([]*engine.Checkpoint, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	cps := []*engine.Checkpoint{}
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = checkpointPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var cp engine.Checkpoint
			if err := readJSON(it.Item(), &cp); err != nil {
				return fmt.Errorf("failed to decode checkpoint %s: %w", it.Item().Key(), err)
			}
			if filter.Matches(&cp) {
				cps = append(cps, &cp)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	sort.Slice(cps, func(i, j int) bool {
		if !cps[i].CreatedAt.Equal(cps[j].CreatedAt) {
			return cps[i].CreatedAt.Before(cps[j].CreatedAt)
		}
		return cps[i].ExecutionID < cps[j].ExecutionID
	})
	if filter.Limit > 0 && len(cps) > filter.Limit {
		cps = cps[:filter.Limit]
	}
	return cps, nil
}

// AppendEvent appends a transition event to the journal.
func (s *BadgerStore) AppendEvent(ctx context.Context, event *Event) error {
	if err := s.ready(); err != nil {
		return err
	}
	seq, err := s.events.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate event id: %w", err)
	}
	// Sequences start at zero; journal ids start at one like the SQL backends.
	event.ID = int64(seq) + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := s.withTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(seqKey(eventKeyPrefix(event.ExecutionID), seq), data)
	}); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the journal of an execution in append order.
func (s *BadgerStore) ListEvents(ctx context.Context, executionID string, limit int) ([]*Event, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	events := []*Event{}
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = eventKeyPrefix(executionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(events) < limit; it.Next() {
			var event Event
			if err := readJSON(it.Item(), &event); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			events = append(events, &event)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// CreateAuditEntry creates a new audit log entry.
func (s *BadgerStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	seq, err := s.audit.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate audit id: %w", err)
	}
	entry.ID = int64(seq) + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	if err := s.withTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(seqKey(auditPrefix, seq), data)
	}); err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries lists audit entries newest first with optional filters.
func (s *BadgerStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	entries := []*AuditEntry{}
	skipped := 0
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the largest key not above the seek key.
		seek := append(append([]byte{}, auditPrefix...), bytes.Repeat([]byte{0xff}, 8)...)
		for it.Seek(seek); it.ValidForPrefix(auditPrefix); it.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var entry AuditEntry
			if err := readJSON(it.Item(), &entry); err != nil {
				return fmt.Errorf("failed to decode audit entry: %w", err)
			}
			if action != nil && entry.Action != *action {
				continue
			}
			if actor != nil && entry.Actor != *actor {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// HealthCheck verifies the database is open.
func (s *BadgerStore) HealthCheck(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return fmt.Errorf("database is closed")
	}
	return ctx.Err()
}

// Close stops GC, releases the id sequences and closes the database.
func (s *BadgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	if s.events != nil {
		_ = s.events.Release()
		s.events = nil
	}
	if s.audit != nil {
		_ = s.audit.Release()
		s.audit = nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

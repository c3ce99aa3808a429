package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stagegate/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/stagegate.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Checkpoints ---

func (s *LibSQLStore) Save(ctx context.Context, state *schema.WorkflowState) error {
	if err := validateForSave(state); err != nil {
		return err
	}
	data, err := jsonState(state)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRowContext(ctx,
		`SELECT revision FROM checkpoints WHERE thread_id = ?`, state.ThreadID,
	).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read revision: %w", err)
	}
	if err := checkRevision(state.ThreadID, stored, state.Revision); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, current_stage, status, revision, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET
		   current_stage=excluded.current_stage, status=excluded.status, revision=excluded.revision,
		   state=excluded.state, updated_at=excluded.updated_at`,
		state.ThreadID, state.CurrentStage, string(state.Status), state.Revision, data,
		timeOrNow(state.CreatedAt), timeOrNow(state.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (s *LibSQLStore) Load(ctx context.Context, threadID string) (*schema.WorkflowState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("checkpoint", threadID)
	}
	if err != nil {
		return nil, err
	}
	return decodeState([]byte(data))
}

func (s *LibSQLStore) Delete(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "checkpoint", threadID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) List(ctx context.Context, filter ThreadFilter) ([]*ThreadSummary, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Stage != "" {
		where = append(where, "current_stage = ?")
		args = append(args, filter.Stage)
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, *filter.UpdatedBefore)
	}

	query := `SELECT thread_id, current_stage, status, revision, created_at, updated_at FROM checkpoints`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, thread_id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ThreadSummary
	for rows.Next() {
		t := &ThreadSummary{}
		var status string
		if err := rows.Scan(&t.ThreadID, &t.CurrentStage, &status, &t.Revision, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Status = schema.ThreadStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-thread sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE thread_id = ?`, event.ThreadID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (thread_id, stage, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ThreadID, nullStr(event.Stage), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a thread with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, threadID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, stage, event_type, payload, timestamp, sequence
		 FROM events WHERE thread_id = ? AND sequence > ? ORDER BY sequence ASC`,
		threadID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stage, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ThreadID, &stage, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Stage = stage.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// touch overrides updated_at. Used by tests to age rows without sleeping.
func (s *LibSQLStore) touch(ctx context.Context, threadID string, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE checkpoints SET updated_at = ? WHERE thread_id = ?`, updatedAt, threadID)
	return err
}

var _ Store = (*LibSQLStore)(nil)

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/rendis/stagegate/pkg/schema"
)

//go:embed pgmigrations/*.sql
var pgMigrations embed.FS

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// PostgresStore implements Store on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	dsn    string
	logger *slog.Logger
}

// NewPostgresStore connects and pings the database.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Info("connected to postgres",
		"host", poolConfig.ConnConfig.Host, "database", poolConfig.ConnConfig.Database)
	return &PostgresStore{pool: pool, dsn: cfg.DSN, logger: logger}, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies the embedded goose migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	s.logger.Info("running postgres migrations")

	goose.SetBaseFS(pgMigrations)
	goose.SetLogger(&slogGooseLogger{logger: s.logger})

	db, err := sql.Open("pgx", s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "pgmigrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.logger.Info("postgres migrations completed")
	return nil
}

// --- Checkpoints ---

func (s *PostgresStore) Save(ctx context.Context, state *schema.WorkflowState) error {
	if err := validateForSave(state); err != nil {
		return err
	}
	data, err := jsonState(state)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var stored int64
	err = tx.QueryRow(ctx,
		`SELECT revision FROM checkpoints WHERE thread_id = $1 FOR UPDATE`, state.ThreadID,
	).Scan(&stored)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read revision: %w", err)
	}
	if err := checkRevision(state.ThreadID, stored, state.Revision); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, current_stage, status, revision, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   current_stage = EXCLUDED.current_stage, status = EXCLUDED.status, revision = EXCLUDED.revision,
		   state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		state.ThreadID, state.CurrentStage, string(state.Status), state.Revision, data,
		timeOrNow(state.CreatedAt), timeOrNow(state.UpdatedAt),
	)
	if err != nil {
		// Two first saves racing on the primary key.
		if stored == 0 && strings.Contains(err.Error(), "duplicate key") {
			return schema.NewErrorf(schema.ErrCodeConflict, "checkpoint %q already exists", state.ThreadID)
		}
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Load(ctx context.Context, threadID string) (*schema.WorkflowState, error) {
	var data string
	err := s.pool.QueryRow(ctx,
		`SELECT state::text FROM checkpoints WHERE thread_id = $1`, threadID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("checkpoint", threadID)
	}
	if err != nil {
		return nil, err
	}
	return decodeState([]byte(data))
}

func (s *PostgresStore) Delete(ctx context.Context, threadID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("checkpoint", threadID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM events WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) List(ctx context.Context, filter ThreadFilter) ([]*ThreadSummary, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if filter.Stage != "" {
		where = append(where, "current_stage = "+arg(filter.Stage))
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < "+arg(*filter.UpdatedBefore))
	}

	query := `SELECT thread_id, current_stage, status, revision, created_at, updated_at FROM checkpoints`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, thread_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *PostgresStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize sequence allocation per thread for the life of the transaction.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, event.ThreadID); err != nil {
		return fmt.Errorf("lock thread events: %w", err)
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE thread_id = $1`, event.ThreadID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	err = tx.QueryRow(ctx,
		`INSERT INTO events (thread_id, stage, event_type, payload, timestamp, sequence)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		event.ThreadID, nullStr(event.Stage), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetEvents(ctx context.Context, threadID string, since int64) ([]*Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, stage, event_type, payload::text, timestamp, sequence
		 FROM events WHERE thread_id = $1 AND sequence > $2 ORDER BY sequence ASC`,
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

// --- goose logger ---

// slogGooseLogger routes goose output through slog.
type slogGooseLogger struct {
	logger *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

var _ Store = (*PostgresStore)(nil)

package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresJournal implements Journal using PostgreSQL.
type PostgresJournal struct {
	db *sql.DB
}

// NewPostgres opens a PostgreSQL journal and runs migrations.
func NewPostgres(dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	j := &PostgresJournal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

func (j *PostgresJournal) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_device_id ON audit_events(device_id)`,
	}
	for _, m := range migrations {
		if _, err := j.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

// Append inserts one audit event.
func (j *PostgresJournal) Append(ctx context.Context, ev *Event) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, device_id, action, detail, created_at) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.DeviceID, ev.Action, string(ev.Detail), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// List returns audit events newest first, filtered and paginated.
func (j *PostgresJournal) List(ctx context.Context, f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, device_id, action, detail, created_at FROM audit_events WHERE 1=1`
	args := []any{}
	arg := 1
	if f.Action != "" {
		query += fmt.Sprintf(` AND action = $%d`, arg)
		args = append(args, f.Action)
		arg++
	}
	if f.DeviceID != "" {
		query += fmt.Sprintf(` AND device_id = $%d`, arg)
		args = append(args, f.DeviceID)
		arg++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, arg, arg+1)
	args = append(args, limit, f.Offset)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Ping verifies the database is reachable.
func (j *PostgresJournal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database.
func (j *PostgresJournal) Close() error {
	return j.db.Close()
}

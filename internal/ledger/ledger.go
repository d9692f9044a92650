// Package ledger archives terminal provisioning outcomes to Postgres so the
// record of who was commissioned or retired outlives the in-memory tracker's
// retention window. It is optional; without a database URL the service runs
// purely in memory.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	URL    string `mapstructure:"url"`
	Schema string `mapstructure:"schema"`
}

// Entry is one archived provisioning outcome.
type Entry struct {
	TaskID      string    `json:"task_id"`
	Action      string    `json:"action"`
	Username    string    `json:"username"`
	UID         int       `json:"uid"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
}

type Ledger struct {
	pool *pgxpool.Pool
}

// Open runs migrations and builds the connection pool.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if err := RunMigrations(cfg.URL, cfg.Schema); err != nil {
		return nil, fmt.Errorf("run ledger migrations: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse ledger database config: %w", err)
	}
	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1

	if cfg.Schema != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = cfg.Schema
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", pgx.Identifier{cfg.Schema}.Sanitize()))
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create ledger connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}

	slog.Info("Ledger connected to PostgreSQL")
	return &Ledger{pool: pool}, nil
}

func (l *Ledger) Close() {
	l.pool.Close()
}

// Record appends one terminal outcome. Task IDs are unique per run, so a
// replay of the same eviction is absorbed by the conflict clause.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO provisioning_log
			(task_id, action, username, uid, state, attempts, last_error, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO NOTHING`,
		e.TaskID, e.Action, e.Username, e.UID, e.State, e.Attempts, e.LastError,
		e.CreatedAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// List returns the most recent entries, optionally filtered by username.
func (l *Ledger) List(ctx context.Context, username string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT task_id, action, username, uid, state, attempts, last_error, created_at, completed_at
		FROM provisioning_log`
	args := []any{limit}
	if username != "" {
		query += ` WHERE username = $2`
		args = append(args, username)
	}
	query += ` ORDER BY completed_at DESC LIMIT $1`

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TaskID, &e.Action, &e.Username, &e.UID, &e.State,
			&e.Attempts, &e.LastError, &e.CreatedAt, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

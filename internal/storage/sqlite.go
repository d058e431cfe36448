package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"msgfleet/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, d Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (at, session, phone, message, outcome, error) VALUES (?, ?, ?, ?, ?, ?)`,
		d.At.UnixMilli(), d.Session, d.Phone, d.Message, d.Outcome, d.Error)
	return err
}

func (s *sqliteStore) Deliveries(ctx context.Context, limit int) ([]Delivery, error) {
	q := `SELECT at, session, phone, message, outcome, error FROM deliveries ORDER BY id`
	var args []any
	if limit > 0 {
		// newest N, returned oldest-first to match the file driver
		q = `SELECT at, session, phone, message, outcome, error FROM
		       (SELECT id, at, session, phone, message, outcome, error FROM deliveries ORDER BY id DESC LIMIT ?)
		     ORDER BY id`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var atMilli int64
		if err := rows.Scan(&atMilli, &d.Session, &d.Phone, &d.Message, &d.Outcome, &d.Error); err != nil {
			return nil, err
		}
		d.At = fromUnixMilli(atMilli)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

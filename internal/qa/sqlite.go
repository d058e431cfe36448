package qa

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

var ErrNotFound = errors.New("qa pair not found")

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open creates (or opens) the SQLite-backed QA store.
func Open(path string, log logx.Logger) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("qa: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")

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

func (s *sqliteStore) ListAll(ctx context.Context) ([]Pair, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, question, answer FROM qa_pairs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.ID, &p.Question, &p.Answer); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Add(ctx context.Context, question, answer string) (Pair, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO qa_pairs (question, answer) VALUES (?, ?)`, question, answer)
	if err != nil {
		return Pair{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Pair{}, err
	}
	return Pair{ID: id, Question: question, Answer: answer}, nil
}

func (s *sqliteStore) Update(ctx context.Context, id int64, question, answer string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE qa_pairs SET question = ?, answer = ? WHERE id = ?`, question, answer, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM qa_pairs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

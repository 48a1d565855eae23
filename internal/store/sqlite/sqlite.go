package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/stepsync/internal/steps"
	"github.com/loykin/stepsync/internal/store"
)

// timeLayout is fixed width so that text order is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" || strings.Contains(p, "mode=memory") {
		// every pooled connection would get its own empty database
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d, now: time.Now}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS steps(
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			steps_count INTEGER NOT NULL CHECK (steps_count BETWEEN %d AND %d),
			created_at TEXT NOT NULL
		);`, steps.MinSteps, steps.MaxSteps),
		`CREATE INDEX IF NOT EXISTS idx_steps_created_at ON steps(created_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return store.Classify(err)
		}
	}
	return nil
}

func (s *DB) Ping(ctx context.Context) error { return store.Classify(s.db.PingContext(ctx)) }

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Insert(ctx context.Context, stepsCount int) (steps.Record, error) {
	rec := store.NewRecord(stepsCount, s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps(id, steps_count, created_at) VALUES(?, ?, ?);`,
		rec.ID, rec.StepsCount, rec.CreatedAt.Format(timeLayout))
	if err != nil {
		return steps.Record{}, store.Classify(err)
	}
	return rec, nil
}

func (s *DB) List(ctx context.Context) ([]steps.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, steps_count, created_at
		FROM steps
		ORDER BY created_at ASC, seq ASC;`)
	if err != nil {
		return nil, store.Classify(err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]steps.Record, 0)
	for rows.Next() {
		var (
			r  steps.Record
			ts string
		)
		if err := rows.Scan(&r.ID, &r.StepsCount, &ts); err != nil {
			return nil, store.Classify(err)
		}
		if r.CreatedAt, err = time.Parse(timeLayout, ts); err != nil {
			return nil, &store.QueryError{Err: fmt.Errorf("created_at of %s: %w", r.ID, err)}
		}
		out = append(out, r)
	}
	return out, store.Classify(rows.Err())
}

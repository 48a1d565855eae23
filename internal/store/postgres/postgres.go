package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/stepsync/internal/steps"
	"github.com/loykin/stepsync/internal/store"
)

type DB struct {
	db  *sql.DB
	now func() time.Time
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d, now: time.Now}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS steps(
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			steps_count INTEGER NOT NULL CHECK (steps_count BETWEEN %d AND %d),
			created_at TIMESTAMPTZ NOT NULL
		);`, steps.MinSteps, steps.MaxSteps),
		`CREATE INDEX IF NOT EXISTS idx_steps_created_at ON steps(created_at);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return store.Classify(err)
		}
	}
	return nil
}

func (p *DB) Ping(ctx context.Context) error { return store.Classify(p.db.PingContext(ctx)) }

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Insert(ctx context.Context, stepsCount int) (steps.Record, error) {
	// postgres keeps microseconds
	rec := store.NewRecord(stepsCount, p.now().Truncate(time.Microsecond))
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO steps(id, steps_count, created_at) VALUES($1, $2, $3);`,
		rec.ID, rec.StepsCount, rec.CreatedAt)
	if err != nil {
		return steps.Record{}, store.Classify(err)
	}
	return rec, nil
}

func (p *DB) List(ctx context.Context) ([]steps.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, steps_count, created_at
		FROM steps
		ORDER BY created_at ASC, seq ASC;`)
	if err != nil {
		return nil, store.Classify(err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]steps.Record, 0)
	for rows.Next() {
		var r steps.Record
		if err := rows.Scan(&r.ID, &r.StepsCount, &r.CreatedAt); err != nil {
			return nil, store.Classify(err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, store.Classify(rows.Err())
}

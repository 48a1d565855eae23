package factory

import (
	"context"
	"testing"

	pg "github.com/loykin/stepsync/internal/store/postgres"
	sq "github.com/loykin/stepsync/internal/store/sqlite"
)

func TestFactoryDSNSelection(t *testing.T) {
	if _, err := NewFromDSN(""); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
	// sql.Open does not connect, so no server is needed
	p, err := NewFromDSN("postgres://user@localhost/db")
	if err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}
	if _, ok := p.(*pg.DB); !ok {
		t.Fatalf("postgres dsn gave %T", p)
	}
	_ = p.Close()

	for _, dsn := range []string{"sqlite://:memory:", "SQLITE://:memory:", ":memory:"} {
		s, err := NewFromDSN(dsn)
		if err != nil {
			t.Fatalf("%s: %v", dsn, err)
		}
		if _, ok := s.(*sq.DB); !ok {
			t.Fatalf("%s gave %T", dsn, s)
		}
		_ = s.Close()
	}
}

func TestFactorySQLiteUsable(t *testing.T) {
	s, err := NewFromDSN("sqlite://:memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := s.Insert(ctx, 4200); err != nil {
		t.Fatalf("insert: %v", err)
	}
	recs, err := s.List(ctx)
	if err != nil || len(recs) != 1 || recs[0].StepsCount != 4200 {
		t.Fatalf("list: %v %+v", err, recs)
	}
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/loykin/stepsync/internal/store"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgresContainer returns a pgx DSN for a throwaway database and
// skips the test when Docker is unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}

	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}

	return dsn, terminate
}

func waitForPostgres(t *testing.T, dsn string) {
	// the container can report ready before it accepts connections
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func openPostgres(t *testing.T) *DB {
	t.Helper()
	dsn, terminate := startPostgresContainer(t)
	waitForPostgres(t, dsn)
	t.Cleanup(terminate)

	db, err := New(dsn)
	if err != nil {
		t.Fatalf("pg open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestPostgresInsertListAndConstraints(t *testing.T) {
	db := openPostgres(t)
	ctx := context.Background()

	if err := db.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	times := []time.Time{base.Add(time.Hour), base, base}
	i := 0
	db.now = func() time.Time {
		ts := times[i]
		i++
		return ts
	}

	var ids []string
	for _, c := range []int{3000, 9000, 12000} {
		rec, err := db.Insert(ctx, c)
		if err != nil {
			t.Fatalf("insert %d: %v", c, err)
		}
		ids = append(ids, rec.ID)
	}

	got, err := db.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{ids[1], ids[2], ids[0]}
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(got))
	}
	for n := range want {
		if got[n].ID != want[n] {
			t.Fatalf("position %d: want %s got %s", n, want[n], got[n].ID)
		}
	}
	if !got[0].CreatedAt.Equal(base) {
		t.Fatalf("created_at roundtrip: %v", got[0].CreatedAt)
	}

	db.now = time.Now
	_, err = db.Insert(ctx, 100001)
	var ce *store.ConstraintError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConstraintError, got %T %v", err, err)
	}
}

package realtime

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"parley/cmd/internal/ids"
)

// Integration tests are enabled when PARLEY_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_Lifecycle(t *testing.T) {
	t.Parallel()

	store := mustNewIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	first, err := store.Create(ctx, "alice", "bob", "hello")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if first.Status != StatusSent {
		t.Fatalf("create first: expected status=sent got=%s", first.Status)
	}
	if first.CreatedAt.IsZero() {
		t.Fatalf("create first: expected db-assigned created_at")
	}

	second, err := store.Create(ctx, "bob", "alice", "hi back")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	got, err := store.FindByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Text != "hello" || got.SenderID != "alice" {
		t.Fatalf("find: unexpected message %+v", got)
	}

	if _, err := store.FindByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("find missing: expected ErrNotFound got=%v", err)
	}

	last, err := store.FindLastSent(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("find last sent: %v", err)
	}
	if last.ID != first.ID {
		t.Fatalf("find last sent: expected %s got %s", first.ID, last.ID)
	}

	ok, err := store.CompareAndSetStatus(ctx, first.ID, StatusSent, StatusDeleted)
	if err != nil || !ok {
		t.Fatalf("cas sent->deleted: ok=%v err=%v", ok, err)
	}
	ok, err = store.CompareAndSetStatus(ctx, first.ID, StatusSent, StatusDeleted)
	if err != nil || ok {
		t.Fatalf("cas repeated: expected ok=false got ok=%v err=%v", ok, err)
	}
	if _, err := store.CompareAndSetStatus(ctx, "missing", StatusSent, StatusDeleted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cas missing: expected ErrNotFound got=%v", err)
	}

	if _, err := store.FindLastSent(ctx, "alice", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("find last sent after delete: expected ErrNotFound got=%v", err)
	}

	hist, err := store.ListConversation(ctx, "bob", "alice", StatusArchived)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(hist) != 2 || hist[0].ID != first.ID || hist[1].ID != second.ID {
		t.Fatalf("list: unexpected order %+v", hist)
	}

	n, err := store.ArchiveConversation(ctx, "alice", "bob")
	if err != nil || n != 2 {
		t.Fatalf("archive: n=%d err=%v", n, err)
	}
	n, err = store.ArchiveConversation(ctx, "bob", "alice")
	if err != nil || n != 0 {
		t.Fatalf("archive again: expected n=0 got n=%d err=%v", n, err)
	}

	hist, err = store.ListConversation(ctx, "alice", "bob", StatusArchived)
	if err != nil {
		t.Fatalf("list after archive: %v", err)
	}
	if len(hist) != 0 {
		t.Fatalf("list after archive: expected empty got %d", len(hist))
	}
}

func TestPostgresStore_ConcurrentCAS_SingleWinner(t *testing.T) {
	t.Parallel()

	store := mustNewIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	m, err := store.Create(ctx, "alice", "bob", "race me")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 32

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	errCh := make(chan error, n)

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			to := StatusDeleted
			if i%2 == 0 {
				to = StatusArchived
			}
			ok, err := store.CompareAndSetStatus(ctx, m.ID, StatusSent, to)
			if err != nil {
				errCh <- err
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrent cas error: %v", err)
	}
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

// ---- test helpers ----

func mustNewIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()

	db := mustOpenTestDB(t)
	t.Cleanup(func() { _ = db.Close() })

	schema := "parley_it_" + strings.ToLower(mustULID(t))
	t.Cleanup(func() { mustDropSchema(t, db, schema) })

	st, err := NewPostgresStore(db, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return st
}

func mustOpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PARLEY_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLEY_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", raw)
	if err != nil {
		t.Fatalf("open PARLEY_TEST_DATABASE_URL: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		t.Fatalf("ping: %v", err)
	}
	return db
}

func mustDropSchema(t *testing.T, db *sql.DB, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustULID(t *testing.T) string {
	t.Helper()

	id, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	return id
}

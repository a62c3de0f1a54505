package realtime

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresStore is a MessageStore backed by PostgreSQL through database/sql
// (driver "pgx" from github.com/jackc/pgx/v5/stdlib).
//
// Ownership model:
//   - PostgresStore does NOT own the *sql.DB. The caller must close it.
//   - Close() is therefore a no-op.
//
// Status changes are single conditional UPDATEs, so the database row lock is what
// serializes concurrent delete/undo/archive calls.
type PostgresStore struct {
	db     *sql.DB
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "public").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(db *sql.DB, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		db:     db,
		schema: "public",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.db == nil {
		return nil, errors.New("realtime: nil db")
	}
	return st, nil
}

// Close is a no-op because the db is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema, table and index when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	messages := s.table()
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
		    id          TEXT PRIMARY KEY,
		    sender_id   TEXT NOT NULL,
		    receiver_id TEXT NOT NULL,
		    text        TEXT NOT NULL,
		    status      TEXT NOT NULL DEFAULT 'sent' CHECK (status IN ('sent', 'deleted', 'archived')),
		    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS messages_pair_created_idx
		    ON ` + messages + ` (sender_id, receiver_id, created_at DESC)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return storeErr("postgres.ensure_schema", err)
		}
	}
	return nil
}

const pgMessageColumns = `id, sender_id, receiver_id, text, status, created_at`

// Create inserts a message; the database assigns created_at.
func (s *PostgresStore) Create(ctx context.Context, senderID, receiverID, text string) (Message, error) {
	id, err := NewMessageID(time.Now())
	if err != nil {
		return Message{}, storeErr("postgres.create", err)
	}

	m := Message{ID: id, SenderID: senderID, ReceiverID: receiverID, Text: text}
	var status string
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO `+s.table()+` (id, sender_id, receiver_id, text)
		 VALUES ($1, $2, $3, $4)
		 RETURNING status, created_at`,
		id, senderID, receiverID, text,
	).Scan(&status, &m.CreatedAt)
	if err != nil {
		return Message{}, storeErr("postgres.create", err)
	}
	m.Status = Status(status)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

// FindByID returns the message or ErrNotFound.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgMessageColumns+`
		   FROM `+s.table()+`
		  WHERE id = $1`,
		id,
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, storeErr("postgres.find", err)
	}
	return m, nil
}

// FindLastSent returns the newest sent message from senderID to receiverID.
func (s *PostgresStore) FindLastSent(ctx context.Context, senderID, receiverID string) (Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgMessageColumns+`
		   FROM `+s.table()+`
		  WHERE sender_id = $1 AND receiver_id = $2 AND status = $3
		  ORDER BY created_at DESC, id DESC
		  LIMIT 1`,
		senderID, receiverID, string(StatusSent),
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, storeErr("postgres.find_last_sent", err)
	}
	return m, nil
}

// CompareAndSetStatus moves id from -> to in one conditional UPDATE.
func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.table()+`
		    SET status = $3
		  WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, storeErr("postgres.cas", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("postgres.cas", err)
	}
	if n > 0 {
		return true, nil
	}

	// Tell "lost the race" apart from "never existed".
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.table()+` WHERE id = $1)`,
		id,
	).Scan(&exists); err != nil {
		return false, storeErr("postgres.cas", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// ListConversation returns the pair's messages ordered by created_at ASC, id ASC.
func (s *PostgresStore) ListConversation(ctx context.Context, userA, userB string, exclude Status) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgMessageColumns+`
		   FROM `+s.table()+`
		  WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
		    AND status <> $3
		  ORDER BY created_at ASC, id ASC`,
		userA, userB, string(exclude),
	)
	if err != nil {
		return nil, storeErr("postgres.list", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 64)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storeErr("postgres.list", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("postgres.list", err)
	}
	return out, nil
}

// ArchiveConversation archives every non-archived message of the pair.
func (s *PostgresStore) ArchiveConversation(ctx context.Context, userA, userB string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.table()+`
		    SET status = $3
		  WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
		    AND status <> $3`,
		userA, userB, string(StatusArchived),
	)
	if err != nil {
		return 0, storeErr("postgres.archive", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("postgres.archive", err)
	}
	return n, nil
}

func (s *PostgresStore) table() string {
	return pgIdent(s.schema, "messages")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (Message, error) {
	var (
		m      Message
		status string
	)
	if err := r.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &status, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	m.Status = Status(status)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

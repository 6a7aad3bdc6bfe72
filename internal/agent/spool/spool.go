// Package spool implements the agent's durable, crash-safe batch queue
// (§4.4), backed by a pure-Go embedded SQLite file so the agent stays a
// single static binary with no cgo toolchain dependency.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	infracrypto "github.com/fleetsentry/endpointmon/infrastructure/crypto"
	"github.com/fleetsentry/endpointmon/internal/wire"
)

// envelopeSubject and envelopeInfo key the at-rest envelope derivation;
// both are fixed so Enqueue and DueBatches always derive the same subkey
// from the encryption key in effect at the time.
var (
	envelopeSubject = []byte("agent-spool")
	envelopeInfo    = "spool-events-v1"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	events_json TEXT NOT NULL,
	event_count INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batches_next_attempt ON batches(next_attempt_at);
`

// Spool is the agent's on-disk batch queue.
type Spool struct {
	db     *sql.DB
	encKey []byte // 32 bytes; nil disables at-rest encryption of events_json
}

// SetEncryptionKey enables AES-GCM envelope encryption (infrastructure/
// crypto.EncryptEnvelope) of events_json at rest, deriving one subkey from
// key and the fixed envelope subject/info; each row gets a fresh random
// nonce. key must be 32 bytes (e.g. crypto.Hash256 of the
// agent's API key). Pass nil to disable, which is also the default.
func (s *Spool) SetEncryptionKey(key []byte) {
	s.encKey = key
}

// Open opens (creating if necessary) the SQLite-backed spool at path, in
// WAL mode for crash safety, and ensures the schema exists.
func Open(ctx context.Context, path string) (*Spool, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer, matching §5's agent concurrency model

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping spool: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate spool schema: %w", err)
	}

	return &Spool{db: db}, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

// Batch is one row of the spool.
type Batch struct {
	ID            int64
	Events        []wire.Event
	EventCount    int
	CreatedAt     time.Time
	RetryCount    int
	NextAttemptAt time.Time
}

// Enqueue atomically appends one row with next_attempt_at = now and
// returns the new batch id. events must be nonempty.
func (s *Spool) Enqueue(ctx context.Context, events []wire.Event, now time.Time) (int64, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("enqueue: events must be nonempty")
	}

	encoded, err := json.Marshal(events)
	if err != nil {
		return 0, fmt.Errorf("encode events: %w", err)
	}
	if s.encKey != nil {
		encoded, err = infracrypto.EncryptEnvelope(s.encKey, envelopeSubject, envelopeInfo, encoded)
		if err != nil {
			return 0, fmt.Errorf("encrypt batch: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (events_json, event_count, created_at, retry_count, next_attempt_at)
		 VALUES (?, ?, ?, 0, ?)`,
		string(encoded), len(events), formatTime(now), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	return res.LastInsertId()
}

// DueBatches returns up to limit batches whose next_attempt_at <= now, in
// ascending id order.
func (s *Spool) DueBatches(ctx context.Context, now time.Time, limit int) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, events_json, event_count, created_at, retry_count, next_attempt_at
		 FROM batches WHERE next_attempt_at <= ? ORDER BY id ASC LIMIT ?`,
		formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due batches: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var (
			b                          Batch
			eventsJSON                 string
			createdAtRaw, nextAtRaw    string
		)
		if err := rows.Scan(&b.ID, &eventsJSON, &b.EventCount, &createdAtRaw, &b.RetryCount, &nextAtRaw); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		plain := []byte(eventsJSON)
		if s.encKey != nil {
			plain, err = infracrypto.DecryptEnvelope(s.encKey, envelopeSubject, envelopeInfo, plain)
			if err != nil {
				return nil, fmt.Errorf("decrypt batch %d events: %w", b.ID, err)
			}
		}
		if err := json.Unmarshal(plain, &b.Events); err != nil {
			return nil, fmt.Errorf("decode batch %d events: %w", b.ID, err)
		}
		b.CreatedAt, _ = parseTime(createdAtRaw)
		b.NextAttemptAt, _ = parseTime(nextAtRaw)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// MarkSent deletes the row; idempotent.
func (s *Spool) MarkSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark sent %d: %w", id, err)
	}
	return nil
}

// MarkFailed sets next_attempt_at = now + Backoff(retry) and increments
// retry_count.
func (s *Spool) MarkFailed(ctx context.Context, id int64, retry int, now time.Time) error {
	next := now.Add(Backoff(retry))
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET retry_count = ?, next_attempt_at = ? WHERE id = ?`,
		retry+1, formatTime(next), id)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return nil
}

// Count returns the current row count.
func (s *Spool) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count batches: %w", err)
	}
	return n, nil
}

// EnforceLimit drops the oldest (lowest created_at) rows so at most max
// remain, and returns how many were dropped.
func (s *Spool) EnforceLimit(ctx context.Context, max int) (int, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count <= max {
		return 0, nil
	}
	toDrop := count - max

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM batches WHERE id IN (
			SELECT id FROM batches ORDER BY created_at ASC, id ASC LIMIT ?
		 )`, toDrop)
	if err != nil {
		return 0, fmt.Errorf("enforce limit: %w", err)
	}
	dropped, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("enforce limit rows affected: %w", err)
	}
	return int(dropped), nil
}

// Backoff computes min(300, max(2, 2^retry)) seconds per §4.4.
func Backoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	raw := math.Pow(2, float64(retry))
	secs := math.Min(300, math.Max(2, raw))
	return time.Duration(secs) * time.Second
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(timeLayout, raw)
}

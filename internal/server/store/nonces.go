package store

import (
	"context"
	"fmt"
	"time"
)

// insertNonceTx attempts to record (org, device, nonce). It returns
// inserted=false when the tuple already exists, which the ingest pipeline
// treats as a replay (§4.6 step 11).
func insertNonceTx(ctx context.Context, tx execer, orgID, deviceID, nonce string, seenAt, expiresAt time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO nonces (org_id, device_id, nonce, seen_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_id, device_id, nonce) DO NOTHING`,
		orgID, deviceID, nonce, seenAt, expiresAt)
	if err != nil {
		return false, fmt.Errorf("insert nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert nonce rows affected: %w", err)
	}
	return n > 0, nil
}

// GCExpiredNonces deletes nonce rows past their expiry, lazily reclaiming
// space (§3 "Nonce record": "MAY be garbage-collected lazily").
func (s *Store) GCExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("gc expired nonces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("gc expired nonces rows affected: %w", err)
	}
	return n, nil
}

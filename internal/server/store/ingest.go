package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

// ErrReplay is returned by PersistIngest when the (org, device, nonce)
// tuple was already recorded (§4.6 step 11).
var ErrReplay = fmt.Errorf("nonce already seen")

// PersistIngest runs §4.6 steps 11-12 atomically: replay check and nonce
// insert, device upsert, and event append all happen in one transaction so
// that a persistence failure rolls back the nonce insert too — otherwise a
// client's legitimate retry would be rejected as a replay.
func (s *Store) PersistIngest(ctx context.Context, orgID, deviceID, platform, agentVersion, nonce string, seenAt time.Time, replayWindow time.Duration, events []wire.Event) (accepted int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ingest tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	inserted, err := insertNonceTx(ctx, tx, orgID, deviceID, nonce, seenAt, seenAt.Add(replayWindow))
	if err != nil {
		return 0, err
	}
	if !inserted {
		tx.Rollback()
		return 0, ErrReplay
	}

	if err = upsertDeviceTx(ctx, tx, Device{
		OrgID:        orgID,
		DeviceID:     deviceID,
		Platform:     platform,
		AgentVersion: agentVersion,
		LastSeen:     seenAt,
	}); err != nil {
		return 0, err
	}

	for _, ev := range events {
		if err = insertEventTx(ctx, tx, orgID, deviceID, ev); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit ingest tx: %w", err)
	}
	return len(events), nil
}

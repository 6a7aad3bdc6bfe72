package store

import (
	"context"
	"fmt"
	"time"
)

// Device is the persisted form of §3's Device record.
type Device struct {
	OrgID        string
	DeviceID     string
	Platform     string
	AgentVersion string
	FirstSeen    time.Time
	LastSeen     time.Time
}

// UpsertDevice refreshes last-seen/platform/agent-version on every accepted
// ingest, setting first-seen only on the device's first appearance.
func (s *Store) UpsertDevice(ctx context.Context, d Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (org_id, device_id, platform, agent_version, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (org_id, device_id) DO UPDATE SET
			platform = EXCLUDED.platform,
			agent_version = EXCLUDED.agent_version,
			last_seen = EXCLUDED.last_seen`,
		d.OrgID, d.DeviceID, d.Platform, d.AgentVersion, d.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert device %s/%s: %w", d.OrgID, d.DeviceID, err)
	}
	return nil
}

// upsertDeviceTx is UpsertDevice run inside an existing transaction, used by
// PersistIngest to keep device refresh and event insert atomic together.
func upsertDeviceTx(ctx context.Context, tx execer, d Device) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO devices (org_id, device_id, platform, agent_version, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (org_id, device_id) DO UPDATE SET
			platform = EXCLUDED.platform,
			agent_version = EXCLUDED.agent_version,
			last_seen = EXCLUDED.last_seen`,
		d.OrgID, d.DeviceID, d.Platform, d.AgentVersion, d.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert device %s/%s: %w", d.OrgID, d.DeviceID, err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Insight is the persisted form of §3's Insight record.
type Insight struct {
	OrgID       string
	DeviceID    string
	Day         string // YYYY-MM-DD
	Type        string // anomaly | driver | delta
	Source      string
	Severity    string
	Title       string
	Explanation string
	Evidence    map[string]any
	Fingerprint string
	Status      string // open | resolved
	Count       int
	FirstSeen   time.Time
	LastSeen    time.Time
}

// UpsertInsight implements §4.7's dedup rule: within dedupWindow of the last
// occurrence with the same fingerprint, increment count and refresh
// last_seen; otherwise insert a new row.
func (s *Store) UpsertInsight(ctx context.Context, ins Insight, dedupWindow time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insight tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, count FROM insights
		WHERE org_id = $1 AND device_id = $2 AND fingerprint = $3 AND last_seen >= $4
		ORDER BY last_seen DESC
		LIMIT 1`,
		ins.OrgID, ins.DeviceID, ins.Fingerprint, ins.LastSeen.Add(-dedupWindow))

	var (
		existingID    string
		existingCount int
	)
	switch err := row.Scan(&existingID, &existingCount); {
	case errors.Is(err, sql.ErrNoRows):
		evidence, merr := json.Marshal(ins.Evidence)
		if merr != nil {
			return fmt.Errorf("marshal insight evidence: %w", merr)
		}
		if ins.Count < 1 {
			ins.Count = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO insights (id, org_id, device_id, day, type, source, severity, title, explanation, evidence, fingerprint, status, count, first_seen, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			uuid.NewString(), ins.OrgID, ins.DeviceID, ins.Day, ins.Type, ins.Source, ins.Severity, ins.Title, ins.Explanation, evidence, ins.Fingerprint, ins.Status, ins.Count, ins.FirstSeen, ins.LastSeen)
		if err != nil {
			return fmt.Errorf("insert insight: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lookup insight by fingerprint: %w", err)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE insights SET count = $1, last_seen = $2, status = $3
			WHERE id = $4`, existingCount+1, ins.LastSeen, ins.Status, existingID)
		if err != nil {
			return fmt.Errorf("update insight: %w", err)
		}
	}

	return tx.Commit()
}

// InsightsForDay returns every insight row for (org, device, day), used by
// daily-brief readers and tests.
func (s *Store) InsightsForDay(ctx context.Context, orgID, deviceID, day string) ([]Insight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT org_id, device_id, day, type, source, severity, title, explanation, evidence, fingerprint, status, count, first_seen, last_seen
		FROM insights
		WHERE org_id = $1 AND device_id = $2 AND day = $3
		ORDER BY last_seen DESC`, orgID, deviceID, day)
	if err != nil {
		return nil, fmt.Errorf("query insights for %s/%s/%s: %w", orgID, deviceID, day, err)
	}
	defer rows.Close()

	var out []Insight
	for rows.Next() {
		var ins Insight
		var evidenceBytes []byte
		if err := rows.Scan(&ins.OrgID, &ins.DeviceID, &ins.Day, &ins.Type, &ins.Source, &ins.Severity, &ins.Title, &ins.Explanation, &evidenceBytes, &ins.Fingerprint, &ins.Status, &ins.Count, &ins.FirstSeen, &ins.LastSeen); err != nil {
			return nil, fmt.Errorf("scan insight row: %w", err)
		}
		if len(evidenceBytes) > 0 {
			if err := json.Unmarshal(evidenceBytes, &ins.Evidence); err != nil {
				return nil, fmt.Errorf("unmarshal insight evidence: %w", err)
			}
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

// insertEventTx appends one event row. Events are append-only (§3
// "Ownership and lifecycle").
func insertEventTx(ctx context.Context, tx execer, orgID, deviceID string, ev wire.Event) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, org_id, device_id, ts, source, severity, platform, title, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.NewString(), orgID, deviceID, ev.Timestamp, string(ev.Source), string(ev.Severity), string(ev.Platform), ev.Title, details)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsForDevice returns every event for (org, device) with timestamp >=
// since, ordered ascending, for the insight engine's trailing window (§4.7).
func (s *Store) EventsForDevice(ctx context.Context, orgID, deviceID string, since time.Time) ([]wire.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, source, severity, platform, title, details
		FROM events
		WHERE org_id = $1 AND device_id = $2 AND ts >= $3
		ORDER BY ts ASC`, orgID, deviceID, since)
	if err != nil {
		return nil, fmt.Errorf("query events for %s/%s: %w", orgID, deviceID, err)
	}
	defer rows.Close()

	var events []wire.Event
	for rows.Next() {
		var (
			ev           wire.Event
			source       string
			severity     string
			platform     string
			detailsBytes []byte
		)
		if err := rows.Scan(&ev.Timestamp, &source, &severity, &platform, &ev.Title, &detailsBytes); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Source = wire.Source(source)
		ev.Severity = wire.Severity(severity)
		ev.Platform = wire.Platform(platform)
		if len(detailsBytes) > 0 {
			if err := json.Unmarshal(detailsBytes, &ev.Details); err != nil {
				return nil, fmt.Errorf("unmarshal event details: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

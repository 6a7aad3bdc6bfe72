package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// DailyMetric is the persisted form of §3's Daily metric record.
type DailyMetric struct {
	OrgID            string
	DeviceID         string
	Day              string // YYYY-MM-DD
	RiskScore        int
	RawScore         float64
	FailedLogins     int
	NewListeners     int
	NewProcesses     int
	SuspiciousExecs  int
	SeverityCounts   map[string]int
	Baseline         map[string]any
	Drivers          []map[string]any
	NewChanges       []string
	ResolvedChanges  []string
	DailyBrief       map[string]any
}

// UpsertDailyMetric replaces the (org, device, day) row wholesale, per
// §3 "daily-metric rows are overwritable on recompute".
func (s *Store) UpsertDailyMetric(ctx context.Context, m DailyMetric) error {
	severityCounts, err := json.Marshal(m.SeverityCounts)
	if err != nil {
		return fmt.Errorf("marshal severity_counts: %w", err)
	}
	baseline, err := json.Marshal(m.Baseline)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	drivers, err := json.Marshal(m.Drivers)
	if err != nil {
		return fmt.Errorf("marshal drivers: %w", err)
	}
	newChanges, err := json.Marshal(m.NewChanges)
	if err != nil {
		return fmt.Errorf("marshal new_changes: %w", err)
	}
	resolvedChanges, err := json.Marshal(m.ResolvedChanges)
	if err != nil {
		return fmt.Errorf("marshal resolved_changes: %w", err)
	}
	dailyBrief, err := json.Marshal(m.DailyBrief)
	if err != nil {
		return fmt.Errorf("marshal daily_brief: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_metrics (
			org_id, device_id, day, risk_score, raw_score,
			failed_logins, new_listeners, new_processes, suspicious_execs,
			severity_counts, baseline, drivers, new_changes, resolved_changes, daily_brief
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (org_id, device_id, day) DO UPDATE SET
			risk_score = EXCLUDED.risk_score,
			raw_score = EXCLUDED.raw_score,
			failed_logins = EXCLUDED.failed_logins,
			new_listeners = EXCLUDED.new_listeners,
			new_processes = EXCLUDED.new_processes,
			suspicious_execs = EXCLUDED.suspicious_execs,
			severity_counts = EXCLUDED.severity_counts,
			baseline = EXCLUDED.baseline,
			drivers = EXCLUDED.drivers,
			new_changes = EXCLUDED.new_changes,
			resolved_changes = EXCLUDED.resolved_changes,
			daily_brief = EXCLUDED.daily_brief`,
		m.OrgID, m.DeviceID, m.Day, m.RiskScore, m.RawScore,
		m.FailedLogins, m.NewListeners, m.NewProcesses, m.SuspiciousExecs,
		severityCounts, baseline, drivers, newChanges, resolvedChanges, dailyBrief)
	if err != nil {
		return fmt.Errorf("upsert daily metric %s/%s/%s: %w", m.OrgID, m.DeviceID, m.Day, err)
	}
	return nil
}

// GetDailyMetric returns a single day's metric row, or nil if none exists.
func (s *Store) GetDailyMetric(ctx context.Context, orgID, deviceID, day string) (*DailyMetric, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT org_id, device_id, day, risk_score, raw_score,
			failed_logins, new_listeners, new_processes, suspicious_execs,
			severity_counts, baseline, drivers, new_changes, resolved_changes, daily_brief
		FROM daily_metrics WHERE org_id = $1 AND device_id = $2 AND day = $3`,
		orgID, deviceID, day)

	var (
		m                                                                           DailyMetric
		severityCounts, baseline, drivers, newChanges, resolvedChanges, dailyBrief []byte
	)
	if err := row.Scan(&m.OrgID, &m.DeviceID, &m.Day, &m.RiskScore, &m.RawScore,
		&m.FailedLogins, &m.NewListeners, &m.NewProcesses, &m.SuspiciousExecs,
		&severityCounts, &baseline, &drivers, &newChanges, &resolvedChanges, &dailyBrief); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(severityCounts, &m.SeverityCounts); err != nil {
		return nil, fmt.Errorf("unmarshal severity_counts: %w", err)
	}
	if err := json.Unmarshal(baseline, &m.Baseline); err != nil {
		return nil, fmt.Errorf("unmarshal baseline: %w", err)
	}
	if err := json.Unmarshal(drivers, &m.Drivers); err != nil {
		return nil, fmt.Errorf("unmarshal drivers: %w", err)
	}
	if err := json.Unmarshal(newChanges, &m.NewChanges); err != nil {
		return nil, fmt.Errorf("unmarshal new_changes: %w", err)
	}
	if err := json.Unmarshal(resolvedChanges, &m.ResolvedChanges); err != nil {
		return nil, fmt.Errorf("unmarshal resolved_changes: %w", err)
	}
	if err := json.Unmarshal(dailyBrief, &m.DailyBrief); err != nil {
		return nil, fmt.Errorf("unmarshal daily_brief: %w", err)
	}
	return &m, nil
}

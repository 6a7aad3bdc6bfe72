package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fleetsentry/endpointmon/internal/server/config"
)

// Org is the persisted form of §3's Org record. The raw API key is never
// stored; only its hash.
type Org struct {
	ID                 string
	Name               string
	APIKeyHash         string
	RateLimitPerMinute int
	Active             bool
}

// ErrOrgNotFound is returned by GetOrg when the org id has no row.
var ErrOrgNotFound = errors.New("org not found")

// GetOrg looks up an org by id (§4.6 step 2).
func (s *Store) GetOrg(ctx context.Context, orgID string) (*Org, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, rate_limit_per_minute, active
		FROM orgs WHERE id = $1`, orgID)

	var o Org
	if err := row.Scan(&o.ID, &o.Name, &o.APIKeyHash, &o.RateLimitPerMinute, &o.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrgNotFound
		}
		return nil, fmt.Errorf("get org %s: %w", orgID, err)
	}
	return &o, nil
}

// UpsertOrg inserts or updates an org row (used by SeedOrgs and admin tooling).
func (s *Store) UpsertOrg(ctx context.Context, o Org) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orgs (id, name, api_key_hash, rate_limit_per_minute, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			api_key_hash = EXCLUDED.api_key_hash,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			active = EXCLUDED.active`,
		o.ID, o.Name, o.APIKeyHash, o.RateLimitPerMinute, o.Active)
	if err != nil {
		return fmt.Errorf("upsert org %s: %w", o.ID, err)
	}
	return nil
}

// SeedOrgs loads the operator-provided org seed file into the store,
// hashing each seed's raw api_key before storage. hashFn is
// crypto.Hash256 in production; injected here to keep this package free of
// a hard crypto-package import for its core responsibility.
func (s *Store) SeedOrgs(ctx context.Context, seeds []config.OrgSeed, hashFn func(string) string) error {
	for _, seed := range seeds {
		err := s.UpsertOrg(ctx, Org{
			ID:                 seed.ID,
			Name:               seed.Name,
			APIKeyHash:         hashFn(seed.APIKey),
			RateLimitPerMinute: seed.RateLimit,
			Active:             true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

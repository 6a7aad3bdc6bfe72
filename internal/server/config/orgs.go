package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OrgSeed is one row of the org-seed table (§6 "Server env"): the
// operator-provided mapping from org id to its display name, signing key,
// and per-minute rate limit, loaded once at startup and used to populate
// the orgs table on first run.
type OrgSeed struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	APIKey    string `yaml:"api_key"`
	RateLimit int    `yaml:"rate_limit_per_minute"`
}

// LoadOrgSeeds reads a YAML file of org seed rows. A missing file yields an
// empty (not erroring) result, since orgs can also be provisioned directly
// against the store.
func LoadOrgSeeds(path string) ([]OrgSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read org seed file %s: %w", path, err)
	}

	var seeds struct {
		Orgs []OrgSeed `yaml:"orgs"`
	}
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("parse org seed file %s: %w", path, err)
	}
	return seeds.Orgs, nil
}

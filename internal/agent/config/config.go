// Package config loads and persists the agent's file-based configuration
// (§6 "Agent config"): a single key=value text file, matching the agent's
// single-binary/single-config-file deployment contract.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	infraconfig "github.com/fleetsentry/endpointmon/infrastructure/config"
	"github.com/fleetsentry/endpointmon/infrastructure/utils"
)

// EnvAPIKeyOverride is the environment variable that overrides the
// configured api_key, per §6.
const EnvAPIKeyOverride = "EM_AGENT_API_KEY"

// Config is the agent's runtime configuration.
type Config struct {
	ServerURL    string
	OrgID        string
	DeviceID     string
	APIKey       string
	AgentVersion string

	IntervalSeconds int

	EnableFilewatch bool
	WatchPaths      []string

	DenyProcessNames  []string
	UnusualExecPaths  []string

	TLSVerify bool

	TimeoutSeconds int

	MaxBatchEvents  int
	SpoolMaxBatches int

	FailedLoginSpikeThreshold int

	SpoolPath string
}

const (
	minIntervalSeconds = 5
	maxIntervalSeconds = 3600

	minTimeoutSeconds = 3
	maxTimeoutSeconds = 60

	minSpoolMaxBatches = 10
	maxSpoolMaxBatches = 10000

	defaultFailedLoginSpikeThreshold = 5
)

// Default returns a Config populated with the spec's documented defaults.
func Default() Config {
	return Config{
		ServerURL:                 "https://localhost:8443",
		AgentVersion:               "dev",
		IntervalSeconds:            60,
		TLSVerify:                  true,
		TimeoutSeconds:             10,
		MaxBatchEvents:             200,
		SpoolMaxBatches:            1000,
		FailedLoginSpikeThreshold:  defaultFailedLoginSpikeThreshold,
		SpoolPath:                  defaultSpoolPath(),
	}
}

func defaultSpoolPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "spool.db"
	}
	return filepath.Join(home, ".endpointmon", "spool.db")
}

// Load reads the key=value config file at path, applies the
// EM_AGENT_API_KEY environment override, validates bounded fields, and
// returns the resulting Config.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	raw := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		raw[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	applyRaw(&cfg, raw)

	if override := strings.TrimSpace(os.Getenv(EnvAPIKeyOverride)); override != "" {
		cfg.APIKey = override
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyRaw(cfg *Config, raw map[string]string) {
	if v, ok := raw["server_url"]; ok {
		cfg.ServerURL = v
	}
	if v, ok := raw["org_id"]; ok {
		cfg.OrgID = v
	}
	if v, ok := raw["device_id"]; ok {
		cfg.DeviceID = v
	}
	if v, ok := raw["api_key"]; ok {
		cfg.APIKey = v
	}
	if v, ok := raw["agent_version"]; ok {
		cfg.AgentVersion = v
	}
	if v, ok := raw["interval_seconds"]; ok {
		cfg.IntervalSeconds = infraconfig.ParseIntOrDefault(v, cfg.IntervalSeconds)
	}
	if v, ok := raw["enable_filewatch"]; ok {
		cfg.EnableFilewatch = infraconfig.ParseBoolOrDefault(v, cfg.EnableFilewatch)
	}
	if v, ok := raw["watch_paths"]; ok {
		cfg.WatchPaths = utils.Unique(infraconfig.SplitAndTrimCSV(v))
	}
	if v, ok := raw["deny_process_names"]; ok {
		cfg.DenyProcessNames = utils.Unique(infraconfig.SplitAndTrimCSV(v))
	}
	if v, ok := raw["unusual_exec_paths"]; ok {
		cfg.UnusualExecPaths = utils.Unique(infraconfig.SplitAndTrimCSV(v))
	}
	if v, ok := raw["tls_verify"]; ok {
		cfg.TLSVerify = infraconfig.ParseBoolOrDefault(v, cfg.TLSVerify)
	}
	if v, ok := raw["timeout_seconds"]; ok {
		cfg.TimeoutSeconds = infraconfig.ParseIntOrDefault(v, cfg.TimeoutSeconds)
	}
	if v, ok := raw["max_batch_events"]; ok {
		cfg.MaxBatchEvents = infraconfig.ParseIntOrDefault(v, cfg.MaxBatchEvents)
	}
	if v, ok := raw["spool_max_batches"]; ok {
		cfg.SpoolMaxBatches = infraconfig.ParseIntOrDefault(v, cfg.SpoolMaxBatches)
	}
	if v, ok := raw["platform.failed_login_spike_threshold"]; ok {
		cfg.FailedLoginSpikeThreshold = infraconfig.ParseIntOrDefault(v, cfg.FailedLoginSpikeThreshold)
	}
	if v, ok := raw["spool_path"]; ok {
		cfg.SpoolPath = v
	}
}

// Validate enforces the bounded fields documented in §6.
func (c Config) Validate() error {
	if err := utils.ValidateRequired(map[string]string{
		"org_id":    c.OrgID,
		"device_id": c.DeviceID,
	}); err != nil {
		return err
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required (set directly or via %s)", EnvAPIKeyOverride)
	}
	if c.IntervalSeconds < minIntervalSeconds || c.IntervalSeconds > maxIntervalSeconds {
		return fmt.Errorf("interval_seconds %d outside [%d,%d]", c.IntervalSeconds, minIntervalSeconds, maxIntervalSeconds)
	}
	if c.TimeoutSeconds < minTimeoutSeconds || c.TimeoutSeconds > maxTimeoutSeconds {
		return fmt.Errorf("timeout_seconds %d outside [%d,%d]", c.TimeoutSeconds, minTimeoutSeconds, maxTimeoutSeconds)
	}
	if c.SpoolMaxBatches < minSpoolMaxBatches || c.SpoolMaxBatches > maxSpoolMaxBatches {
		return fmt.Errorf("spool_max_batches %d outside [%d,%d]", c.SpoolMaxBatches, minSpoolMaxBatches, maxSpoolMaxBatches)
	}
	if c.MaxBatchEvents < 1 {
		return fmt.Errorf("max_batch_events must be positive")
	}
	return nil
}

// Write serializes cfg to path as key=value lines, creating parent
// directories with 0700 and the file itself with 0600 (POSIX) per the
// `init` command's contract in §6.
func Write(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "server_url=%s\n", cfg.ServerURL)
	fmt.Fprintf(&b, "org_id=%s\n", cfg.OrgID)
	fmt.Fprintf(&b, "device_id=%s\n", cfg.DeviceID)
	fmt.Fprintf(&b, "api_key=%s\n", cfg.APIKey)
	fmt.Fprintf(&b, "agent_version=%s\n", cfg.AgentVersion)
	fmt.Fprintf(&b, "interval_seconds=%d\n", cfg.IntervalSeconds)
	fmt.Fprintf(&b, "enable_filewatch=%s\n", strconv.FormatBool(cfg.EnableFilewatch))
	fmt.Fprintf(&b, "watch_paths=%s\n", strings.Join(cfg.WatchPaths, ","))
	fmt.Fprintf(&b, "deny_process_names=%s\n", strings.Join(cfg.DenyProcessNames, ","))
	fmt.Fprintf(&b, "unusual_exec_paths=%s\n", strings.Join(cfg.UnusualExecPaths, ","))
	fmt.Fprintf(&b, "tls_verify=%s\n", strconv.FormatBool(cfg.TLSVerify))
	fmt.Fprintf(&b, "timeout_seconds=%d\n", cfg.TimeoutSeconds)
	fmt.Fprintf(&b, "max_batch_events=%d\n", cfg.MaxBatchEvents)
	fmt.Fprintf(&b, "spool_max_batches=%d\n", cfg.SpoolMaxBatches)
	fmt.Fprintf(&b, "platform.failed_login_spike_threshold=%d\n", cfg.FailedLoginSpikeThreshold)
	fmt.Fprintf(&b, "spool_path=%s\n", cfg.SpoolPath)

	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Command endpointmon-agent is the fleet resident agent (§6 "Agent CLI"):
// a single static binary that collects local security-relevant events,
// spools them durably, and ships them to the central server on a signed
// channel. Subcommand dispatch follows the control CLI's flag-per-command
// style rather than a framework.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetsentry/endpointmon/internal/agent/collector"
	"github.com/fleetsentry/endpointmon/internal/agent/config"
	"github.com/fleetsentry/endpointmon/internal/agent/runtime"
	"github.com/fleetsentry/endpointmon/internal/agent/spool"
	"github.com/fleetsentry/endpointmon/infrastructure/logging"
	internalcrypto "github.com/fleetsentry/endpointmon/internal/crypto"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError(errors.New("no command specified"))
	}

	switch args[0] {
	case "init":
		return handleInit(args[1:])
	case "run-once":
		return handleRunOnce(ctx, args[1:])
	case "daemon":
		return handleDaemon(ctx, args[1:])
	default:
		return usageError(fmt.Errorf("unknown command %q", args[0]))
	}
}

func usageError(err error) error {
	fmt.Fprintln(os.Stderr, "usage: endpointmon-agent <init|run-once|daemon> [flags]")
	return err
}

func defaultConfigPath() string {
	home, homeErr := os.UserHomeDir()
	if homeErr != nil {
		return "agent.conf"
	}
	return home + "/.endpointmon/agent.conf"
}

// handleInit writes a starter config file populated from flags and
// config.Default, matching §6's "init" command contract.
func handleInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", defaultConfigPath(), "path to write the agent config")
	serverURL := fs.String("server-url", "", "central server base URL")
	orgID := fs.String("org-id", "", "organization id")
	deviceID := fs.String("device-id", "", "device id")
	apiKey := fs.String("api-key", "", "per-org API key (prefer "+config.EnvAPIKeyOverride+" instead)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	cfg.OrgID = *orgID
	cfg.DeviceID = *deviceID
	cfg.APIKey = *apiKey

	if err := config.Write(*configPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("wrote config to %s\n", *configPath)
	return nil
}

// handleRunOnce runs a single collect-spool-send cycle and prints its
// CycleResult as a summary line, per §6's "run-once" contract.
func handleRunOnce(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run-once", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", defaultConfigPath(), "path to the agent config")
	verbose := fs.Bool("verbose", false, "log at debug level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cycle, closeFn, err := buildCycle(ctx, *configPath, *verbose)
	if err != nil {
		return err
	}
	defer closeFn()

	result := cycle.Run(ctx)
	fmt.Printf("collected=%d queued=%d sent=%d failed=%d dropped=%d spool_depth=%d\n",
		result.Collected, result.Queued, result.Sent, result.Failed, result.Dropped, result.SpoolDepth)
	return nil
}

// handleDaemon runs cycles forever on cfg.IntervalSeconds until SIGINT or
// SIGTERM, per §6's "daemon" contract.
func handleDaemon(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", defaultConfigPath(), "path to the agent config")
	verbose := fs.Bool("verbose", false, "log at debug level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cycle, closeFn, err := buildCycleFromConfig(ctx, cfg, *verbose)
	if err != nil {
		return err
	}
	defer closeFn()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime.RunDaemon(sigCtx, cycle, time.Duration(cfg.IntervalSeconds)*time.Second, nil)
	return nil
}

// buildCycle loads config from path then delegates to buildCycleFromConfig.
func buildCycle(ctx context.Context, path string, verbose bool) (*runtime.Cycle, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return buildCycleFromConfig(ctx, cfg, verbose)
}

// buildCycleFromConfig wires the five always-on collectors (plus filewatch
// when enabled), the SQLite spool, and the HTTP sender into one
// runtime.Cycle (§4.2-§4.5).
func buildCycleFromConfig(ctx context.Context, cfg config.Config, verbose bool) (*runtime.Cycle, func(), error) {
	level := "info"
	if verbose {
		level = "debug"
	}
	log := logging.New("endpointmon-agent", level, "json")
	entry := log.WithField("device_id", cfg.DeviceID)

	sp, err := spool.Open(ctx, cfg.SpoolPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open spool: %w", err)
	}
	// The spool never needs the raw API key back out; a derived 32-byte
	// subkey encrypts the on-disk batch rows so a copied spool file
	// doesn't hand over raw event content without the org's live key.
	sp.SetEncryptionKey(internalcrypto.Hash256([]byte(cfg.APIKey)))
	closeFn := func() { sp.Close() }

	collectors := buildCollectors(cfg)

	sender := runtime.NewSender(runtime.Identity{
		ServerURL:    cfg.ServerURL,
		OrgID:        cfg.OrgID,
		DeviceID:     cfg.DeviceID,
		APIKey:       []byte(cfg.APIKey),
		AgentVersion: cfg.AgentVersion,
	}, time.Duration(cfg.TimeoutSeconds)*time.Second)

	cycle := &runtime.Cycle{
		Collectors:      collectors,
		Spool:           sp,
		Sender:          sender,
		Log:             entry,
		MaxBatchSize:    cfg.MaxBatchEvents,
		MaxBatchBytes:   maxBatchBytes,
		SpoolMax:        cfg.SpoolMaxBatches,
		SpikeThreshold:  cfg.FailedLoginSpikeThreshold,
		SpikeWindowSecs: spikeWindowSeconds,
		DueBatchLimit:   dueBatchLimit,
	}
	return cycle, closeFn, nil
}

// Per-cycle bounds not drawn from config (§4.5): a batch's signed-body cap
// is handled separately inside the sender, these just shape how events are
// grouped and how many due spool batches one cycle will drain.
const (
	maxBatchBytes      = 48 * 1024
	spikeWindowSeconds = 300
	dueBatchLimit      = 20
)

func buildCollectors(cfg config.Config) []collector.Collector {
	opts := collector.Options{
		DenyProcessNames: cfg.DenyProcessNames,
		UnusualExecPaths: cfg.UnusualExecPaths,
		MaxEvents:        cfg.MaxBatchEvents,
	}

	collectors := []collector.Collector{
		collector.NewAuthCollector(opts),
		collector.NewNetworkCollector(opts),
		collector.NewProcessCollector(opts),
		collector.NewPersistenceCollector(opts),
		collector.NewScheduledTaskCollector(opts),
	}

	if cfg.EnableFilewatch {
		statePath := cfg.SpoolPath + ".filewatch"
		collectors = append(collectors, collector.NewFilewatchCollector(cfg.WatchPaths, statePath))
	}

	return collectors
}

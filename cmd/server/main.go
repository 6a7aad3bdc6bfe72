package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fleetsentry/endpointmon/infrastructure/logging"
	"github.com/fleetsentry/endpointmon/infrastructure/metrics"
	"github.com/fleetsentry/endpointmon/infrastructure/service"
	"github.com/fleetsentry/endpointmon/internal/app/system"
	"github.com/fleetsentry/endpointmon/internal/crypto"
	"github.com/fleetsentry/endpointmon/internal/scheduler"
	"github.com/fleetsentry/endpointmon/internal/server/config"
	"github.com/fleetsentry/endpointmon/internal/server/ingest"
	"github.com/fleetsentry/endpointmon/internal/server/queue"
	"github.com/fleetsentry/endpointmon/internal/server/ratelimit"
	"github.com/fleetsentry/endpointmon/internal/server/router"
	"github.com/fleetsentry/endpointmon/internal/server/store"
)

func main() {
	orgSeedPath := flag.String("org-seed", "configs/orgs.yaml", "path to the org seed YAML file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log := logging.New("endpointmon-server", cfg.Logging.Level, cfg.Logging.Format)
	ctx := context.Background()

	st, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatal(ctx, "open store", err)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		log.Fatal(ctx, "run migrations", err)
	}

	seeds, err := config.LoadOrgSeeds(*orgSeedPath)
	if err != nil {
		log.Fatal(ctx, "load org seeds", err)
	}
	if err := st.SeedOrgs(ctx, seeds, hashAPIKeyHex); err != nil {
		log.Fatal(ctx, "seed orgs", err)
	}

	redisClient := newRedisClient(cfg.Redis.URL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	rl := ratelimit.New(redisClient)
	q := queue.New(redisClient, 1024)
	m := metrics.New("endpointmon-server")

	resolver := apiKeyResolver(seeds)

	pipeline := ingest.New(st, rl, q, log, resolver, cfg.ReplayWindow(),
		cfg.Ingest.MaxPayloadBytes, cfg.Ingest.MaxEventsPerBatch)
	pipeline.Metrics = m

	probes := service.NewProbeManager(30 * time.Second)

	r := router.New(router.Deps{
		Pipeline: pipeline,
		Store:    st,
		Log:      log,
		Metrics:  m,
		Version:  "dev",
		Probes:   probes,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	sched := scheduler.New(scheduler.Options{
		Store:       st,
		Queue:       q,
		Log:         log,
		Workers:     4,
		TaskTimeout: cfg.ComputeTimeout(),
		GCInterval:  10 * time.Minute,
	})
	descriptors := system.CollectDescriptors([]system.DescriptorProvider{sched})
	for _, d := range descriptors {
		log.Info(ctx, "service registered", map[string]interface{}{
			"name": d.Name, "domain": d.Domain, "layer": string(d.Layer), "capabilities": d.Capabilities,
		})
	}

	if err := sched.Start(ctx); err != nil {
		log.Fatal(ctx, "start compute scheduler", err)
	}
	probes.SetReady(true)

	go func() {
		log.Info(ctx, "endpointmon server listening", map[string]interface{}{"addr": addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "http server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	probes.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Error(ctx, "scheduler shutdown failed", err, nil)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "graceful shutdown failed", err, nil)
	}
}

func newRedisClient(url string) *redis.Client {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("invalid REDIS_URL %q, falling back to in-process limiter/queue: %v", url, err)
		return nil
	}
	return redis.NewClient(opts)
}

// apiKeyResolver builds an ingest.APIKeyResolver over the seeded orgs, kept
// in memory since the raw key only ever needs to round-trip through the
// seed file and the per-request hash check (§4.6 step 5).
func apiKeyResolver(seeds []config.OrgSeed) ingest.APIKeyResolver {
	var mu sync.RWMutex
	keys := make(map[string][]byte, len(seeds))
	for _, s := range seeds {
		keys[s.ID] = []byte(s.APIKey)
	}
	return func(orgID string) ([]byte, bool) {
		mu.RLock()
		defer mu.RUnlock()
		key, ok := keys[orgID]
		return key, ok
	}
}

func hashAPIKeyHex(key string) string {
	sum := crypto.Hash256([]byte(key))
	return hex.EncodeToString(sum)
}

// Package scheduler consumes the server's recompute task queue (§4.7/§6
// "compute scheduler"): a fixed worker pool recomputes one device's insight
// bundle per task, a per-(org,device) lock coalesces bursts of duplicate
// tasks into one recompute, and a periodic sweep garbage-collects expired
// replay nonces.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	core "github.com/fleetsentry/endpointmon/internal/app/core/service"
	"github.com/fleetsentry/endpointmon/infrastructure/logging"
	"github.com/fleetsentry/endpointmon/infrastructure/utils"
	"github.com/fleetsentry/endpointmon/internal/insight"
	"github.com/fleetsentry/endpointmon/internal/server/queue"
	"github.com/fleetsentry/endpointmon/internal/server/store"
)

// writeRetry governs retries of the two per-task store writes: a handful of
// quick attempts covers a transient connection blip without turning a single
// recompute into a long-running task.
var writeRetry = core.RetryPolicy{
	Attempts:       3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     time.Second,
	Multiplier:     2,
}

// eventWindow is how far back a recompute reads a device's event history,
// one day past the engine's 30-day risk-normalization window so the
// baseline's 14-day-prior lookback always has full coverage.
const eventWindow = 31 * 24 * time.Hour

// Options configures a Scheduler.
type Options struct {
	Store       *store.Store
	Queue       *queue.Queue
	Log         *logging.Logger
	Workers     int
	TaskTimeout time.Duration
	GCInterval  time.Duration

	// Clock is overridable for tests; defaults to time.Now.
	Clock func() time.Time
}

// Scheduler drains Options.Queue with Options.Workers goroutines and runs
// the nonce-GC sweep on Options.GCInterval. It satisfies
// internal/app/system.Service and DescriptorProvider so it can be started,
// stopped, and cataloged alongside the server's other lifecycle-managed
// components.
type Scheduler struct {
	opts Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Scheduler with sane defaults for any unset Options field.
func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 3 * time.Second
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = 10 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Scheduler{
		opts:  opts,
		locks: make(map[string]*sync.Mutex),
	}
}

// Run starts the worker pool and the cron GC sweep, blocking until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.opts.GCInterval)
	if _, err := c.AddFunc(spec, func() { s.gcNonces(ctx) }); err != nil {
		s.logError(ctx, "schedule nonce GC", err)
	}
	c.Start()
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		utils.SafeGo(func() {
			defer wg.Done()
			s.worker(ctx)
		}, func(err error) {
			s.logError(ctx, "worker panicked", err)
		})
	}

	<-ctx.Done()
	wg.Wait()
}

// Name identifies this service for internal/app/system.Service.
func (s *Scheduler) Name() string { return "compute-scheduler" }

// Start launches Run in the background and returns immediately, fulfilling
// internal/app/system.Service.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.Run(runCtx)
	}()
	return nil
}

// Stop cancels the background run and waits for it to exit or for ctx to
// expire, fulfilling internal/app/system.Service.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Descriptor advertises this service's placement, fulfilling
// internal/app/system.DescriptorProvider.
func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   s.Name(),
		Domain: "compute",
		Layer:  core.LayerEngine,
	}.WithCapabilities("insight-recompute", "nonce-gc")
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, ok, err := s.opts.Queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logError(ctx, "dequeue recompute task", err)
			continue
		}
		if !ok {
			continue
		}
		s.process(ctx, task)
	}
}

// process recomputes one device's insight bundle. Tasks for a (org,device)
// pair already in flight are dropped rather than queued up, since a later
// task covers any events the dropped one would have seen (§4.7 "recompute
// is idempotent and always looks at the full trailing window").
func (s *Scheduler) process(ctx context.Context, t queue.Task) {
	lock := s.lockFor(t.OrgID + "/" + t.DeviceID)
	if !lock.TryLock() {
		return
	}
	defer lock.Unlock()

	taskCtx, cancel := context.WithTimeout(ctx, s.opts.TaskTimeout)
	defer cancel()

	now := s.opts.Clock()
	since := now.Add(-eventWindow)

	events, err := s.opts.Store.EventsForDevice(taskCtx, t.OrgID, t.DeviceID, since)
	if err != nil {
		s.logError(ctx, "load device events", err)
		return
	}
	if len(events) == 0 {
		return
	}

	bundle, err := insight.Compute(events, now)
	if err != nil {
		if !errors.Is(err, insight.ErrNoEvents) {
			s.logError(ctx, "compute insight bundle", err)
		}
		return
	}

	metricErr := core.Retry(taskCtx, writeRetry, func() error {
		return s.opts.Store.UpsertDailyMetric(taskCtx, dailyMetricFromBundle(t.OrgID, t.DeviceID, bundle))
	})
	if metricErr != nil {
		s.logError(ctx, "persist daily metric", metricErr)
	}

	for _, ins := range bundle.Insights {
		row := store.Insight{
			OrgID:       t.OrgID,
			DeviceID:    t.DeviceID,
			Day:         bundle.Day,
			Type:        ins.Type,
			Source:      ins.Source,
			Severity:    string(ins.Severity),
			Title:       ins.Title,
			Explanation: ins.Explanation,
			Evidence:    ins.Evidence,
			Fingerprint: ins.Fingerprint,
			Status:      ins.Status,
			FirstSeen:   now,
			LastSeen:    now,
		}
		insightErr := core.Retry(taskCtx, writeRetry, func() error {
			return s.opts.Store.UpsertInsight(taskCtx, row, insightDedupWindow)
		})
		if insightErr != nil {
			s.logError(ctx, "persist insight", insightErr)
		}
	}
}

// insightDedupWindow mirrors internal/insight's own dedup window so a
// recompute and the engine it calls never disagree on "the same finding."
const insightDedupWindow = 30 * time.Minute

func dailyMetricFromBundle(orgID, deviceID string, b insight.Bundle) store.DailyMetric {
	severityCounts := make(map[string]int, 3)
	for _, ins := range b.Insights {
		severityCounts[string(ins.Severity)]++
	}

	baseline := make(map[string]any, len(b.Baseline))
	for metric, br := range b.Baseline {
		baseline[metric] = br
	}

	drivers := make([]map[string]any, 0, len(b.Drivers))
	for _, d := range b.Drivers {
		drivers = append(drivers, map[string]any{
			"category": d.Category,
			"score":    d.Score,
			"percent":  d.Percent,
		})
	}

	return store.DailyMetric{
		OrgID:           orgID,
		DeviceID:        deviceID,
		Day:             b.Day,
		RiskScore:       b.RiskScore,
		RawScore:        b.RawScore,
		FailedLogins:    b.Signals.FailedLogins,
		NewListeners:    b.Signals.NewListeners,
		NewProcesses:    b.Signals.NewProcesses,
		SuspiciousExecs: b.Signals.SuspiciousExecs,
		SeverityCounts:  severityCounts,
		Baseline:        baseline,
		Drivers:         drivers,
		NewChanges:      b.NewChanges,
		ResolvedChanges: b.ResolvedChanges,
		DailyBrief: map[string]any{
			"delta_vs_7d_avg":     b.Brief.DeltaVs7dAvg,
			"recommended_actions": b.Brief.RecommendedActions,
		},
	}
}

func (s *Scheduler) gcNonces(ctx context.Context) {
	n, err := s.opts.Store.GCExpiredNonces(ctx, s.opts.Clock())
	if err != nil {
		s.logError(ctx, "gc expired nonces", err)
		return
	}
	if s.opts.Log != nil && n > 0 {
		s.opts.Log.Info(ctx, "nonce GC swept expired rows", map[string]interface{}{"deleted": n})
	}
}

func (s *Scheduler) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Scheduler) logError(ctx context.Context, msg string, err error) {
	if s.opts.Log == nil {
		return
	}
	s.opts.Log.Error(ctx, msg, err, nil)
}

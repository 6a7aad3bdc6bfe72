package runtime

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetsentry/endpointmon/internal/agent/collector"
	"github.com/fleetsentry/endpointmon/internal/agent/spool"
	"github.com/fleetsentry/endpointmon/internal/wire"
)

// CycleResult summarizes one collect-send cycle (§6 "run-once" command
// output: collected, queued, sent, failed, dropped, spool depth).
type CycleResult struct {
	Collected  int
	Queued     int
	Sent       int
	Failed     int
	Dropped    int
	SpoolDepth int
}

// Cycle wires together the collectors, spool, and sender for one
// collect-send cycle (§4.5).
type Cycle struct {
	Collectors    []collector.Collector
	Spool         *spool.Spool
	Sender        *Sender
	Log           *logrus.Entry
	MaxBatchSize  int
	MaxBatchBytes int
	SpoolMax      int

	SpikeThreshold    int
	SpikeWindowSecs   int

	DueBatchLimit int
}

// Run executes one full cycle: collect, derive the failed-login spike,
// split into batches, enqueue, then drain due batches through the sender.
func (c *Cycle) Run(ctx context.Context) CycleResult {
	var result CycleResult

	events := c.collectAll(ctx)
	result.Collected = len(events)

	if spike, ok := collector.FailedLoginSpike(events, c.SpikeThreshold, c.SpikeWindowSecs); ok {
		events = append(events, spike)
		result.Collected++
	}

	batches := SplitBatches(events, c.MaxBatchSize, c.MaxBatchBytes)
	now := time.Now()
	for _, b := range batches {
		if _, err := c.Spool.Enqueue(ctx, b, now); err != nil {
			c.logf(logrus.ErrorLevel, "enqueue batch failed", err)
			continue
		}
		result.Queued += len(b)
	}

	if c.SpoolMax > 0 {
		dropped, err := c.Spool.EnforceLimit(ctx, c.SpoolMax)
		if err != nil {
			c.logf(logrus.ErrorLevel, "enforce spool limit failed", err)
		}
		result.Dropped = dropped
	}

	sent, failed := c.drainSpool(ctx)
	result.Sent = sent
	result.Failed = failed

	if depth, err := c.Spool.Count(ctx); err == nil {
		result.SpoolDepth = depth
	}

	return result
}

func (c *Cycle) collectAll(ctx context.Context) []wire.Event {
	var all []wire.Event
	for _, col := range c.Collectors {
		all = append(all, col.Collect(ctx)...)
	}
	return all
}

func (c *Cycle) drainSpool(ctx context.Context) (sent, failed int) {
	limit := c.DueBatchLimit
	if limit <= 0 {
		limit = 20
	}

	due, err := c.Spool.DueBatches(ctx, time.Now(), limit)
	if err != nil {
		c.logf(logrus.ErrorLevel, "list due batches failed", err)
		return 0, 0
	}

	for _, batch := range due {
		outcome, _, err := c.Sender.Send(ctx, batch.Events)
		switch outcome {
		case OutcomeSent:
			if err := c.Spool.MarkSent(ctx, batch.ID); err != nil {
				c.logf(logrus.ErrorLevel, "mark sent failed", err)
				continue
			}
			sent++
		case OutcomeLocalBuildFailed:
			// Poison pill: mark sent (remove from the spool) but still
			// count as failed so operators see it in the cycle summary.
			_ = c.Spool.MarkSent(ctx, batch.ID)
			failed++
			c.logf(logrus.WarnLevel, "dropping unbuildable batch", err)
		case OutcomeTransportFailed, OutcomeServerRejected:
			if err := c.Spool.MarkFailed(ctx, batch.ID, batch.RetryCount, time.Now()); err != nil {
				c.logf(logrus.ErrorLevel, "mark failed failed", err)
			}
			failed++
		}
	}
	return sent, failed
}

func (c *Cycle) logf(level logrus.Level, msg string, err error) {
	if c.Log == nil {
		return
	}
	c.Log.WithError(err).Log(level, msg)
}

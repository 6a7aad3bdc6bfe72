package runtime

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RunDaemon repeats cycle.Run with interval between cycles until ctx is
// cancelled. The wait between cycles observes ctx.Done() so a signal-driven
// shutdown (§5 "Cancellation") does not block on a full interval.
func RunDaemon(ctx context.Context, cycle *Cycle, interval time.Duration, onResult func(CycleResult)) {
	for {
		result := cycle.Run(ctx)
		if onResult != nil {
			onResult(result)
		}
		if cycle.Log != nil {
			cycle.Log.WithFields(logrus.Fields{
				"collected": result.Collected,
				"queued":    result.Queued,
				"sent":      result.Sent,
				"failed":    result.Failed,
				"dropped":   result.Dropped,
				"spool_depth": result.SpoolDepth,
			}).Info("cycle complete")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

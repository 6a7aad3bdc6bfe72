// Package queue decouples ingest from recompute (§4.8): each accepted
// ingest enqueues a (org, device) recompute task onto a Redis list,
// falling back to an in-memory channel queue when Redis is unavailable
// (e.g. REDIS_URL unset, single-process/test deployments).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Task identifies one device whose daily metric needs recomputing.
type Task struct {
	OrgID    string `json:"org_id"`
	DeviceID string `json:"device_id"`
}

const listKey = "em:recompute:tasks"

// Queue is either Redis-list-backed or an in-memory fallback channel.
type Queue struct {
	redis *redis.Client
	local chan Task
}

// New builds a Queue. redisClient may be nil, selecting the in-memory
// fallback; localBuffer sizes that fallback's channel.
func New(redisClient *redis.Client, localBuffer int) *Queue {
	if localBuffer <= 0 {
		localBuffer = 1024
	}
	return &Queue{
		redis: redisClient,
		local: make(chan Task, localBuffer),
	}
}

// Enqueue pushes a recompute task. With the in-memory fallback, a full
// buffer drops the task rather than blocking the ingest request path —
// a timer-driven recompute sweep (outside this package) is the backstop.
func (q *Queue) Enqueue(ctx context.Context, t Task) error {
	if q.redis == nil {
		select {
		case q.local <- t:
			return nil
		default:
			return fmt.Errorf("local recompute queue full, dropping task for %s/%s", t.OrgID, t.DeviceID)
		}
	}

	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal recompute task: %w", err)
	}
	if err := q.redis.LPush(ctx, listKey, body).Err(); err != nil {
		return fmt.Errorf("enqueue recompute task: %w", err)
	}
	return nil
}

// Dequeue blocks (respecting ctx and timeout) for the next task. It returns
// ok=false, nil error on a timeout with no task available.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Task, bool, error) {
	if q.redis == nil {
		select {
		case t := <-q.local:
			return t, true, nil
		case <-time.After(timeout):
			return Task{}, false, nil
		case <-ctx.Done():
			return Task{}, false, ctx.Err()
		}
	}

	res, err := q.redis.BRPop(ctx, timeout, listKey).Result()
	if err == redis.Nil {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("dequeue recompute task: %w", err)
	}
	// BRPop returns [key, value].
	if len(res) < 2 {
		return Task{}, false, nil
	}
	var t Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return Task{}, false, fmt.Errorf("unmarshal recompute task: %w", err)
	}
	return t, true, nil
}

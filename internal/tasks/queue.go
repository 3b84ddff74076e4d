package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/furnacehq/furnace/internal/cache"
	"github.com/furnacehq/furnace/internal/logging"
	"github.com/furnacehq/furnace/internal/metrics"
)

// Queue moves tasks through Redis Streams with consumer groups and keeps the
// pollable status records next to them. Delivery is at-most-once per group:
// the loop acknowledges an entry as soon as it hands it to a worker, which is
// the right trade for generation work that must never run twice by accident.
type Queue struct {
	client    *cache.Client
	rdb       *redis.Client
	resultTTL time.Duration
	log       *slog.Logger
}

// Delivery is one dequeued task.
type Delivery struct {
	StreamID string
	Task     Task
}

func NewQueue(client *cache.Client, resultTTL time.Duration) *Queue {
	return &Queue{
		client:    client,
		rdb:       client.Raw(),
		resultTTL: resultTTL,
		log:       logging.WithComponent("tasks.queue"),
	}
}

func statusKey(taskID string) string { return "task:" + taskID }
func cancelKey(taskID string) string { return "task:" + taskID + ":cancel" }

// submitRetries bounds the enqueue attempts before a transient Redis error
// surfaces to the caller.
const submitRetries = 3

// Submit enqueues a task and writes its pending status record.
func (q *Queue) Submit(ctx context.Context, task Task) error {
	if err := q.SetStatus(ctx, StatusRecord{
		TaskID:  task.ID,
		State:   StatePending,
		Attempt: 0,
	}); err != nil {
		return err
	}

	err := q.client.WithRetry(ctx, submitRetries, func() error {
		return q.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamFor(task.Kind, task.Priority),
			Values: task.ToRedisValues(),
		}).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}

	metrics.TasksSubmitted.WithLabelValues(string(task.Kind)).Inc()
	q.log.Info("task submitted", "task_id", task.ID, "kind", task.Kind, "priority", task.Priority, "user_id", task.Request.UserID)
	return nil
}

// Subscribe joins the consumer group on every priority stream for kind and
// returns a channel of deliveries drained most urgent first. The channel
// closes when ctx is cancelled.
func (q *Queue) Subscribe(ctx context.Context, kind Kind, consumer string) (<-chan Delivery, error) {
	channels := make([]chan Delivery, 0, len(priorityOrder))
	for _, priority := range priorityOrder {
		stream := StreamFor(kind, priority)
		// Create the group if it does not exist yet; BUSYGROUP is fine.
		if err := q.rdb.XGroupCreateMkStream(ctx, stream, ConsumerGroup, "0").Err(); err != nil && !isBusyGroup(err) {
			return nil, fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
		}
		ch := make(chan Delivery, 16)
		go q.readLoop(ctx, stream, consumer, ch)
		channels = append(channels, ch)
	}

	deliveries := make(chan Delivery, 16)
	go q.mergeByPriority(ctx, channels, deliveries)
	return deliveries, nil
}

// mergeByPriority forwards deliveries from the per-priority channels, always
// preferring the most urgent channel that has work ready.
func (q *Queue) mergeByPriority(ctx context.Context, channels []chan Delivery, out chan<- Delivery) {
	defer close(out)

	open := len(channels)
	for open > 0 {
		forwarded := false
		for i, ch := range channels {
			if ch == nil {
				continue
			}
			select {
			case delivery, ok := <-ch:
				if !ok {
					channels[i] = nil
					open--
					continue
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					return
				}
				forwarded = true
			default:
			}
			if forwarded {
				break
			}
		}
		if !forwarded {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (q *Queue) readLoop(ctx context.Context, stream, consumer string, deliveries chan<- Delivery) {
	defer close(deliveries)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		results, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    ConsumerGroup,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.log.Warn("queue read failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, result := range results {
			for _, msg := range result.Messages {
				q.rdb.XAck(ctx, stream, ConsumerGroup, msg.ID)

				task, err := TaskFromRedisValues(msg.Values)
				if err != nil {
					q.log.Warn("dropping unreadable task entry", "stream", stream, "entry_id", msg.ID, "error", err)
					continue
				}
				select {
				case deliveries <- Delivery{StreamID: msg.ID, Task: *task}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// SetStatus writes the task's status record with the result TTL. Each write
// stamps UpdatedAt.
func (q *Queue) SetStatus(ctx context.Context, rec StatusRecord) error {
	rec.UpdatedAt = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal status for %s: %w", rec.TaskID, err)
	}
	if err := q.rdb.Set(ctx, statusKey(rec.TaskID), data, q.resultTTL).Err(); err != nil {
		return fmt.Errorf("failed to store status for %s: %w", rec.TaskID, err)
	}
	return nil
}

// Status returns the task's status record, or (nil, nil) when the task is
// unknown or its record has expired.
func (q *Queue) Status(ctx context.Context, taskID string) (*StatusRecord, error) {
	data, err := q.rdb.Get(ctx, statusKey(taskID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load status for %s: %w", taskID, err)
	}
	var rec StatusRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse status for %s: %w", taskID, err)
	}
	return &rec, nil
}

// Cancel flags a task for cancellation. Best effort: a generation already in
// flight runs to completion and its result is discarded at the next
// checkpoint.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	if err := q.rdb.Set(ctx, cancelKey(taskID), "1", q.resultTTL).Err(); err != nil {
		return fmt.Errorf("failed to flag task %s for cancellation: %w", taskID, err)
	}
	q.log.Info("task flagged for cancellation", "task_id", taskID)
	return nil
}

// Cancelled reports whether the task has been flagged. Errors read as "not
// cancelled" so a flaky flag store cannot discard live work.
func (q *Queue) Cancelled(ctx context.Context, taskID string) bool {
	n, err := q.rdb.Exists(ctx, cancelKey(taskID)).Result()
	if err != nil {
		q.log.Warn("cancel flag check failed", "task_id", taskID, "error", err)
		return false
	}
	return n > 0
}

// Depth returns the number of entries waiting across kind's priority streams.
func (q *Queue) Depth(ctx context.Context, kind Kind) (int64, error) {
	var total int64
	for _, stream := range StreamsFor(kind) {
		n, err := q.rdb.XLen(ctx, stream).Result()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

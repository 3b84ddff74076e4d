package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/furnacehq/furnace/internal/cache"
)

// DeadLetterQueue holds tasks that exhausted their retry budget, for
// inspection and manual replay.
type DeadLetterQueue struct {
	rdb *redis.Client
}

// DeadLetter is one parked task with its failure context.
type DeadLetter struct {
	DLQID    string `json:"dlq_id"`
	Task     Task   `json:"task"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
	DeadAt   int64  `json:"dead_at"`
}

func NewDeadLetterQueue(client *cache.Client) *DeadLetterQueue {
	return &DeadLetterQueue{rdb: client.Raw()}
}

// Send parks a task in the DLQ.
func (d *DeadLetterQueue) Send(ctx context.Context, task Task, errorMsg string, attempts int) error {
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal dead task: %w", err)
	}
	err = d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamDLQ,
		Values: map[string]any{
			"task":     string(taskJSON),
			"error":    errorMsg,
			"attempts": strconv.Itoa(attempts),
			"dead_at":  strconv.FormatInt(time.Now().Unix(), 10),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to park task %s in DLQ: %w", task.ID, err)
	}
	return nil
}

// List returns the most recent dead letters, newest first.
func (d *DeadLetterQueue) List(ctx context.Context, count int) ([]DeadLetter, error) {
	results, err := d.rdb.XRevRangeN(ctx, StreamDLQ, "+", "-", int64(count)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	letters := make([]DeadLetter, 0, len(results))
	for _, msg := range results {
		letter, err := parseDeadLetter(msg)
		if err != nil {
			continue
		}
		letters = append(letters, *letter)
	}
	return letters, nil
}

// Retry republishes a dead letter to its original queue and removes it from
// the DLQ.
func (d *DeadLetterQueue) Retry(ctx context.Context, queue *Queue, dlqID string) error {
	results, err := d.rdb.XRange(ctx, StreamDLQ, dlqID, dlqID).Result()
	if err != nil {
		return fmt.Errorf("failed to read DLQ entry %s: %w", dlqID, err)
	}
	if len(results) == 0 {
		return fmt.Errorf("DLQ entry not found: %s", dlqID)
	}

	letter, err := parseDeadLetter(results[0])
	if err != nil {
		return err
	}
	if err := queue.Submit(ctx, letter.Task); err != nil {
		return fmt.Errorf("failed to resubmit task %s: %w", letter.Task.ID, err)
	}

	d.rdb.XDel(ctx, StreamDLQ, dlqID)
	return nil
}

// Delete removes a dead letter without replaying it.
func (d *DeadLetterQueue) Delete(ctx context.Context, dlqID string) error {
	return d.rdb.XDel(ctx, StreamDLQ, dlqID).Err()
}

// Count returns the number of parked tasks.
func (d *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	return d.rdb.XLen(ctx, StreamDLQ).Result()
}

func parseDeadLetter(msg redis.XMessage) (*DeadLetter, error) {
	letter := &DeadLetter{DLQID: msg.ID}

	raw, ok := msg.Values["task"].(string)
	if !ok {
		return nil, fmt.Errorf("DLQ entry %s has no task payload", msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), &letter.Task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead task: %w", err)
	}

	if v, ok := msg.Values["error"].(string); ok {
		letter.Error = v
	}
	if v, ok := msg.Values["attempts"].(string); ok {
		letter.Attempts, _ = strconv.Atoi(v)
	}
	if v, ok := msg.Values["dead_at"].(string); ok {
		letter.DeadAt, _ = strconv.ParseInt(v, 10, 64)
	}
	return letter, nil
}

package tasks

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/furnacehq/furnace/internal/cache"
	"github.com/furnacehq/furnace/internal/logging"
)

// Pulse is one worker-pool liveness beacon.
type Pulse struct {
	Worker    string `json:"worker"`
	Busy      int    `json:"busy"`
	Timestamp int64  `json:"timestamp"`
}

// pulseStreamMax caps the pulse stream so it never grows unbounded.
const pulseStreamMax = 1000

// Heartbeat publishes periodic liveness beacons for a worker pool to a capped
// Redis stream, where an external monitor can watch them.
type Heartbeat struct {
	rdb    *redis.Client
	worker string
	log    *slog.Logger
}

func NewHeartbeat(client *cache.Client, worker string) *Heartbeat {
	return &Heartbeat{
		rdb:    client.Raw(),
		worker: worker,
		log:    logging.WithComponent("tasks.heartbeat"),
	}
}

// Run sends a pulse every interval until ctx is cancelled. busy reports the
// current number of in-flight tasks.
func (h *Heartbeat) Run(ctx context.Context, interval time.Duration, busy func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.send(ctx, busy())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.send(ctx, busy())
		}
	}
}

func (h *Heartbeat) send(ctx context.Context, busy int) {
	err := h.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamPulse,
		MaxLen: pulseStreamMax,
		Approx: true,
		Values: map[string]any{
			"worker":    h.worker,
			"busy":      strconv.Itoa(busy),
			"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
		},
	}).Err()
	if err != nil && ctx.Err() == nil {
		h.log.Warn("failed to send heartbeat", "worker", h.worker, "error", err)
	}
}

// Latest returns the most recent pulse per worker, newest first within the
// last n stream entries.
func (h *Heartbeat) Latest(ctx context.Context, n int) ([]Pulse, error) {
	results, err := h.rdb.XRevRangeN(ctx, StreamPulse, "+", "-", int64(n)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	pulses := make([]Pulse, 0, len(results))
	for _, msg := range results {
		worker, _ := msg.Values["worker"].(string)
		if worker == "" || seen[worker] {
			continue
		}
		seen[worker] = true

		pulse := Pulse{Worker: worker}
		if v, ok := msg.Values["busy"].(string); ok {
			pulse.Busy, _ = strconv.Atoi(v)
		}
		if v, ok := msg.Values["timestamp"].(string); ok {
			pulse.Timestamp, _ = strconv.ParseInt(v, 10, 64)
		}
		pulses = append(pulses, pulse)
	}
	return pulses, nil
}

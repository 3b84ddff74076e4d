package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/furnacehq/furnace/internal/config"
	"github.com/furnacehq/furnace/internal/logging"
	"github.com/furnacehq/furnace/internal/memory"
	"github.com/furnacehq/furnace/internal/metrics"
	"github.com/furnacehq/furnace/internal/ollama"
)

// errHardTimeout marks a generation that blew through the hard wall-clock
// budget. Not retried.
var errHardTimeout = errors.New("hard timeout exceeded")

// Generator runs completions. Satisfied by *ollama.Client.
type Generator interface {
	Generate(ctx context.Context, req *ollama.GenerateRequest) (*ollama.GenerateResponse, error)
	GenerateStream(ctx context.Context, req *ollama.GenerateRequest, onChunk func(*ollama.GenerateResponse)) error
}

// PromptBuilder assembles the augmented prompt for one turn.
type PromptBuilder interface {
	Build(ctx context.Context, userMessage, conversationID, userID, model string) string
}

// Recorder persists the assistant's reply into conversation memory.
type Recorder interface {
	SaveMessage(ctx context.Context, conversationID string, msg memory.Message, userID string, ttl time.Duration) error
}

// Pool runs the worker loops for both queues: a pool for single-shot
// generation and a smaller one for streaming. Workers own the task state
// machine; nothing a task does may crash its worker.
type Pool struct {
	queue    *Queue
	dlq      *DeadLetterQueue
	gen      Generator
	builder  PromptBuilder
	recorder Recorder
	sinks    *SinkRegistry
	cfg      config.TasksConfig
	log      *slog.Logger

	busy   atomic.Int64
	wg     sync.WaitGroup
	cancel context.CancelFunc

	heartbeat *Heartbeat
}

func NewPool(queue *Queue, dlq *DeadLetterQueue, gen Generator, builder PromptBuilder, recorder Recorder, sinks *SinkRegistry, cfg config.TasksConfig) *Pool {
	return &Pool{
		queue:    queue,
		dlq:      dlq,
		gen:      gen,
		builder:  builder,
		recorder: recorder,
		sinks:    sinks,
		cfg:      cfg,
		log:      logging.WithComponent("tasks.worker"),
	}
}

// WithHeartbeat attaches a liveness beacon published while the pool runs.
func (p *Pool) WithHeartbeat(hb *Heartbeat) *Pool {
	p.heartbeat = hb
	return p
}

// Start launches the worker goroutines. Returns once all consumers are
// subscribed.
func (p *Pool) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	if err := p.startWorkers(ctx, KindGenerate, p.cfg.Workers); err != nil {
		return err
	}
	if err := p.startWorkers(ctx, KindStream, p.cfg.StreamWorkers); err != nil {
		return err
	}

	if p.heartbeat != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.heartbeat.Run(ctx, p.cfg.HeartbeatPeriod, func() int { return int(p.busy.Load()) })
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sampleDepth(ctx)
	}()

	p.log.Info("worker pool started", "workers", p.cfg.Workers, "stream_workers", p.cfg.StreamWorkers)
	return nil
}

// sampleDepth keeps the queue depth gauge current while the pool runs.
func (p *Pool) sampleDepth(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		for _, kind := range []Kind{KindGenerate, KindStream} {
			depth, err := p.queue.Depth(ctx, kind)
			if err != nil {
				continue
			}
			metrics.QueueDepth.WithLabelValues(string(kind)).Set(float64(depth))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) startWorkers(ctx context.Context, kind Kind, count int) error {
	for i := 0; i < count; i++ {
		consumer := fmt.Sprintf("%s-%d", kind, i)
		deliveries, err := p.queue.Subscribe(ctx, kind, consumer)
		if err != nil {
			return fmt.Errorf("failed to subscribe worker %s: %w", consumer, err)
		}
		p.wg.Add(1)
		go p.run(ctx, consumer, deliveries)
	}
	return nil
}

// Stop cancels the workers and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, consumer string, deliveries <-chan Delivery) {
	defer p.wg.Done()
	for delivery := range deliveries {
		p.busy.Add(1)
		metrics.ActiveWorkers.Inc()
		p.process(ctx, delivery.Task)
		metrics.ActiveWorkers.Dec()
		p.busy.Add(-1)
	}
	p.log.Debug("worker exiting", "consumer", consumer)
}

// process drives one task through its state machine:
// pending -> processing -> {completed, failed, retrying}, retrying ->
// processing.
func (p *Pool) process(ctx context.Context, task Task) {
	if p.queue.Cancelled(ctx, task.ID) {
		p.finish(ctx, task, StatusRecord{
			TaskID: task.ID,
			State:  StateFailed,
			Error:  "task cancelled",
		})
		return
	}

	prompt := p.builder.Build(ctx, task.Request.Message, task.Request.ConversationID, task.Request.UserID, task.Request.Model)

	maxAttempts := p.cfg.MaxRetries + 1
	var lastErr error
	var attempt int
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		if err := p.queue.SetStatus(ctx, StatusRecord{
			TaskID:  task.ID,
			State:   StateProcessing,
			Attempt: attempt,
		}); err != nil {
			p.log.Warn("failed to mark task processing", "task_id", task.ID, "error", err)
		}

		result, err := p.execute(ctx, task, prompt)
		if err == nil {
			if p.queue.Cancelled(ctx, task.ID) {
				p.log.Info("discarding result of cancelled task", "task_id", task.ID)
				p.finish(ctx, task, StatusRecord{
					TaskID:  task.ID,
					State:   StateFailed,
					Attempt: attempt,
					Error:   "task cancelled",
				})
				return
			}
			p.persist(ctx, task, result)
			p.finish(ctx, task, StatusRecord{
				TaskID:  task.ID,
				State:   StateCompleted,
				Attempt: attempt,
				Result:  result,
			})
			return
		}

		lastErr = err
		if !retryable(err) || attempt == maxAttempts {
			break
		}

		metrics.TaskRetries.Inc()
		if err := p.queue.SetStatus(ctx, StatusRecord{
			TaskID:  task.ID,
			State:   StateRetrying,
			Attempt: attempt,
			Error:   err.Error(),
		}); err != nil {
			p.log.Warn("failed to mark task retrying", "task_id", task.ID, "error", err)
		}
		p.log.Warn("task attempt failed, retrying", "task_id", task.ID, "attempt", attempt, "error", err)

		delay := p.cfg.RetryDelay << uint(attempt-1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	p.finish(ctx, task, StatusRecord{
		TaskID:  task.ID,
		State:   StateFailed,
		Attempt: attempt,
		Error:   lastErr.Error(),
	})
	if err := p.dlq.Send(ctx, task, lastErr.Error(), attempt); err != nil {
		p.log.Warn("failed to park task in DLQ", "task_id", task.ID, "error", err)
	}
}

func (p *Pool) finish(ctx context.Context, task Task, rec StatusRecord) {
	if err := p.queue.SetStatus(ctx, rec); err != nil {
		p.log.Error("failed to store terminal task state", "task_id", task.ID, "state", rec.State, "error", err)
	}
	metrics.TasksCompleted.WithLabelValues(string(rec.State)).Inc()
	if rec.State == StateCompleted {
		p.log.Info("task completed", "task_id", task.ID, "attempt", rec.Attempt)
	} else {
		p.log.Warn("task failed", "task_id", task.ID, "attempt", rec.Attempt, "error", rec.Error)
	}
}

// retryable: transport errors and soft timeouts are worth another attempt.
// Bad models and hard timeouts are not.
func retryable(err error) bool {
	if errors.Is(err, errHardTimeout) || ollama.IsModelNotFound(err) {
		return false
	}
	return ollama.IsConnectionError(err) || errors.Is(err, context.DeadlineExceeded)
}

// execute runs one generation attempt under the wall-clock budget. The soft
// timeout cancels the backend call cooperatively; the hard timeout abandons
// the attempt outright.
func (p *Pool) execute(ctx context.Context, task Task, prompt string) (*Result, error) {
	softCtx, cancel := context.WithTimeout(ctx, p.cfg.SoftTimeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		if task.Kind == KindStream {
			result, err := p.runStream(softCtx, task, prompt)
			done <- outcome{result, err}
			return
		}
		result, err := p.runGenerate(softCtx, task, prompt)
		done <- outcome{result, err}
	}()

	hard := time.NewTimer(p.cfg.HardTimeout)
	defer hard.Stop()
	select {
	case out := <-done:
		return out.result, out.err
	case <-hard.C:
		cancel()
		return nil, errHardTimeout
	}
}

func (p *Pool) runGenerate(ctx context.Context, task Task, prompt string) (*Result, error) {
	resp, err := p.gen.Generate(ctx, &ollama.GenerateRequest{
		Model:   task.Request.Model,
		Prompt:  prompt,
		Options: task.Request.Options,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Response:   resp.Response,
		Model:      resp.Model,
		TokensUsed: resp.EvalCount,
		Duration:   resp.ProcessingTime(),
	}, nil
}

// runStream accumulates the full text while emitting chunks to the task's
// sink, if one is registered. A sink that cannot keep up loses chunks; it
// never aborts the generation.
func (p *Pool) runStream(ctx context.Context, task Task, prompt string) (*Result, error) {
	sink := p.sinks.Get(task.ID)

	var sb strings.Builder
	var last *ollama.GenerateResponse
	err := p.gen.GenerateStream(ctx, &ollama.GenerateRequest{
		Model:   task.Request.Model,
		Prompt:  prompt,
		Options: task.Request.Options,
	}, func(chunk *ollama.GenerateResponse) {
		sb.WriteString(chunk.Response)
		last = chunk
		if sink == nil {
			return
		}
		if err := sink.Emit(ctx, Chunk{TaskID: task.ID, Content: chunk.Response, Done: chunk.Done}); err != nil {
			p.log.Debug("chunk delivery failed", "task_id", task.ID, "error", err)
		}
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Response: sb.String(), Model: task.Request.Model}
	if last != nil {
		if last.Model != "" {
			result.Model = last.Model
		}
		result.TokensUsed = last.EvalCount
		result.Duration = last.ProcessingTime()
	}
	return result, nil
}

// persist appends the assistant's reply to conversation memory. The result is
// already durable in the status record, so a memory failure is logged, not
// fatal.
func (p *Pool) persist(ctx context.Context, task Task, result *Result) {
	if task.Request.ConversationID == "" || p.recorder == nil {
		return
	}
	msg := memory.Message{
		ID:        uuid.NewString(),
		Role:      memory.RoleAssistant,
		Content:   result.Response,
		Tokens:    result.TokensUsed,
		Model:     result.Model,
		Timestamp: time.Now(),
	}
	if err := p.recorder.SaveMessage(ctx, task.Request.ConversationID, msg, task.Request.UserID, 0); err != nil {
		p.log.Error("failed to persist assistant reply", "task_id", task.ID, "conversation_id", task.Request.ConversationID, "error", err)
	}
}

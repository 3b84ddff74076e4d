package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/furnacehq/furnace/internal/logging"
	"github.com/furnacehq/furnace/internal/memory"
	"github.com/furnacehq/furnace/internal/ollama"
	"github.com/furnacehq/furnace/internal/prompt"
	"github.com/furnacehq/furnace/internal/ratelimit"
	"github.com/furnacehq/furnace/internal/router"
	"github.com/furnacehq/furnace/internal/tasks"
)

// ErrValidation marks a malformed request. Rejected immediately, never
// retried.
var ErrValidation = errors.New("validation error")

// ErrUnknownTask is returned when a task id has no status record, either
// because it never existed or because its record expired.
var ErrUnknownTask = errors.New("unknown task")

// Service is the core facade the transport layer calls into: admission
// control, chat submission, task polling, routing and memory CRUD.
type Service struct {
	limiter   *ratelimit.Limiter
	mem       *memory.Manager
	queue     *tasks.Queue
	dlq       *tasks.DeadLetterQueue
	sinks     *tasks.SinkRegistry
	backend   *ollama.Client
	builder   *prompt.Builder
	intents   *router.Router
	heartbeat *tasks.Heartbeat
	log       *slog.Logger
}

func New(limiter *ratelimit.Limiter, mem *memory.Manager, queue *tasks.Queue, dlq *tasks.DeadLetterQueue, sinks *tasks.SinkRegistry, backend *ollama.Client, builder *prompt.Builder, intents *router.Router) *Service {
	return &Service{
		limiter: limiter,
		mem:     mem,
		queue:   queue,
		dlq:     dlq,
		sinks:   sinks,
		backend: backend,
		builder: builder,
		intents: intents,
		log:     logging.WithComponent("service"),
	}
}

// WithHeartbeat attaches the worker pulse stream so the admin surface can
// report pool liveness.
func (s *Service) WithHeartbeat(hb *tasks.Heartbeat) *Service {
	s.heartbeat = hb
	return s
}

func validate(req tasks.ChatRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	if req.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	return nil
}

// admit runs the global and per-user rate limit checks. A rate limit error
// carries a retry-after hint and is never auto-retried here.
func (s *Service) admit(ctx context.Context, userID string) error {
	if err := s.limiter.CheckGlobal(ctx, 1); err != nil {
		return err
	}
	return s.limiter.CheckUser(ctx, userID, 1)
}

// recordUserTurn persists the user's message before generation starts, so the
// conversation stays coherent even if the task later fails.
func (s *Service) recordUserTurn(ctx context.Context, req tasks.ChatRequest) error {
	if req.ConversationID == "" {
		return nil
	}
	msg := memory.Message{
		ID:        uuid.NewString(),
		Role:      memory.RoleUser,
		Content:   req.Message,
		Tokens:    estimateTokens(req.Message),
		Timestamp: time.Now(),
	}
	return s.mem.SaveMessage(ctx, req.ConversationID, msg, req.UserID, 0)
}

// estimateTokens approximates the token count of a text. The backend reports
// exact counts for its own output; user input only ever feeds aggregate
// stats.
func estimateTokens(text string) int {
	return len(strings.Fields(text))
}

// SubmitChat validates, admits and enqueues a single-shot chat task. Returns
// the task id for polling.
func (s *Service) SubmitChat(ctx context.Context, req tasks.ChatRequest) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}
	if err := s.admit(ctx, req.UserID); err != nil {
		return "", err
	}
	if err := s.recordUserTurn(ctx, req); err != nil {
		return "", fmt.Errorf("failed to record user message: %w", err)
	}

	task := tasks.NewTask(tasks.KindGenerate, req)
	if err := s.queue.Submit(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// SubmitStream validates, admits and enqueues a streaming chat task. The
// returned sink receives chunks as generation progresses; the caller owns
// draining it and must call ReleaseStream when done.
func (s *Service) SubmitStream(ctx context.Context, req tasks.ChatRequest) (string, *tasks.ChannelSink, error) {
	if err := validate(req); err != nil {
		return "", nil, err
	}
	if err := s.admit(ctx, req.UserID); err != nil {
		return "", nil, err
	}
	if err := s.recordUserTurn(ctx, req); err != nil {
		return "", nil, fmt.Errorf("failed to record user message: %w", err)
	}

	task := tasks.NewTask(tasks.KindStream, req)
	sink := tasks.NewChannelSink(64)
	s.sinks.Register(task.ID, sink)

	if err := s.queue.Submit(ctx, task); err != nil {
		s.sinks.Unregister(task.ID)
		sink.Close()
		return "", nil, err
	}
	return task.ID, sink, nil
}

// ReleaseStream detaches and closes the sink for a streaming task.
func (s *Service) ReleaseStream(taskID string, sink *tasks.ChannelSink) {
	s.sinks.Unregister(taskID)
	sink.Close()
}

// ChatSync runs a chat turn inline, bypassing the queue but reusing the same
// admission, context assembly and memory writes as the task path.
func (s *Service) ChatSync(ctx context.Context, req tasks.ChatRequest) (*tasks.Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if err := s.admit(ctx, req.UserID); err != nil {
		return nil, err
	}
	if err := s.recordUserTurn(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to record user message: %w", err)
	}

	assembled := s.builder.Build(ctx, req.Message, req.ConversationID, req.UserID, req.Model)
	resp, err := s.backend.Generate(ctx, &ollama.GenerateRequest{
		Model:   req.Model,
		Prompt:  assembled,
		Options: req.Options,
	})
	if err != nil {
		return nil, err
	}

	result := &tasks.Result{
		Response:   resp.Response,
		Model:      resp.Model,
		TokensUsed: resp.EvalCount,
		Duration:   resp.ProcessingTime(),
	}
	if req.ConversationID != "" {
		msg := memory.Message{
			ID:        uuid.NewString(),
			Role:      memory.RoleAssistant,
			Content:   result.Response,
			Tokens:    result.TokensUsed,
			Model:     result.Model,
			Timestamp: time.Now(),
		}
		if err := s.mem.SaveMessage(ctx, req.ConversationID, msg, req.UserID, 0); err != nil {
			s.log.Error("failed to persist assistant reply", "conversation_id", req.ConversationID, "error", err)
		}
	}
	return result, nil
}

// TaskStatus returns the pollable state of a task.
func (s *Service) TaskStatus(ctx context.Context, taskID string) (*tasks.StatusRecord, error) {
	rec, err := s.queue.Status(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return rec, nil
}

// CancelTask flags a task for cooperative cancellation. Tasks already in a
// terminal state are left alone.
func (s *Service) CancelTask(ctx context.Context, taskID string) error {
	rec, err := s.queue.Status(ctx, taskID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if rec.State.Terminal() {
		return nil
	}
	return s.queue.Cancel(ctx, taskID)
}

// Route classifies a message against the active router schema. With no
// active schema, or when the model picks nothing, the decision carries an
// empty class; routing is advisory either way.
func (s *Service) Route(ctx context.Context, message string) (*router.Decision, error) {
	obj, err := s.mem.ActiveRouterSchema(ctx)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return &router.Decision{}, nil
	}
	schema, err := router.SchemaFromObject(obj)
	if err != nil {
		s.log.Warn("active router schema is unusable", "error", err)
		return &router.Decision{}, nil
	}
	return s.intents.Route(ctx, message, schema)
}

// RouteWith classifies against an explicitly supplied schema.
func (s *Service) RouteWith(ctx context.Context, message string, schema *router.Schema) (*router.Decision, error) {
	return s.intents.Route(ctx, message, schema)
}

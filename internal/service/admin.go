package service

import (
	"context"

	"github.com/furnacehq/furnace/internal/memory"
	"github.com/furnacehq/furnace/internal/ollama"
	"github.com/furnacehq/furnace/internal/ratelimit"
	"github.com/furnacehq/furnace/internal/tasks"
)

// Memory CRUD passthroughs. The manager owns caching and invalidation; the
// facade only exists so the transport layer has a single dependency.

func (s *Service) GetConversation(ctx context.Context, conversationID string, limit int) (*memory.ConversationRecord, error) {
	return s.mem.GetConversation(ctx, conversationID, limit)
}

func (s *Service) DeleteConversation(ctx context.Context, conversationID string) (bool, error) {
	return s.mem.DeleteConversation(ctx, conversationID)
}

func (s *Service) ListConversations(ctx context.Context, userID string, limit, offset int) ([]memory.ConversationRecord, error) {
	return s.mem.ListConversations(ctx, userID, limit, offset)
}

func (s *Service) GetUser(ctx context.Context, userID string) (*memory.UserProfile, error) {
	return s.mem.GetUser(ctx, userID)
}

func (s *Service) UpdatePreferences(ctx context.Context, userID string, patch map[string]any) (bool, error) {
	return s.mem.UpdatePreferences(ctx, userID, patch)
}

func (s *Service) AddFact(ctx context.Context, userID, fact string) (bool, error) {
	return s.mem.AddFact(ctx, userID, fact)
}

func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]memory.UserProfile, error) {
	return s.mem.ListUsers(ctx, limit, offset)
}

func (s *Service) SetSystemEntry(ctx context.Context, entry memory.SystemEntry) error {
	return s.mem.SetSystemEntry(ctx, entry)
}

func (s *Service) GetSystemEntry(ctx context.Context, key string) (*memory.SystemEntry, error) {
	return s.mem.GetSystemEntry(ctx, key)
}

func (s *Service) ListSystemEntries(ctx context.Context, kind memory.Kind, includeExpired bool) ([]memory.SystemEntry, error) {
	return s.mem.ListSystemEntries(ctx, kind, includeExpired)
}

func (s *Service) DeleteSystemEntry(ctx context.Context, key string) (bool, error) {
	return s.mem.DeleteSystemEntry(ctx, key)
}

// SetActiveSystemPrompt points the active system prompt at an existing
// entry.
func (s *Service) SetActiveSystemPrompt(ctx context.Context, targetKey string) error {
	return s.mem.SetActivePointer(ctx, memory.ActiveSystemPromptKey, targetKey)
}

// SetActiveRouterSchema points the active router schema at an existing
// entry.
func (s *Service) SetActiveRouterSchema(ctx context.Context, targetKey string) error {
	return s.mem.SetActivePointer(ctx, memory.ActiveRouterSchemaKey, targetKey)
}

func (s *Service) MemoryStats(ctx context.Context) (*memory.Stats, error) {
	return s.mem.Stats(ctx)
}

// RateLimitStatus reports a user's window usage without charging it.
func (s *Service) RateLimitStatus(ctx context.Context, userID string) ([]ratelimit.Status, error) {
	return s.limiter.Status(ctx, userID)
}

// ResetRateLimit clears a user's windows.
func (s *Service) ResetRateLimit(ctx context.Context, userID string) error {
	return s.limiter.Reset(ctx, userID)
}

// DeadLetters lists recently parked tasks.
func (s *Service) DeadLetters(ctx context.Context, count int) ([]tasks.DeadLetter, error) {
	return s.dlq.List(ctx, count)
}

// RetryDeadLetter replays a parked task onto its original queue.
func (s *Service) RetryDeadLetter(ctx context.Context, dlqID string) error {
	return s.dlq.Retry(ctx, s.queue, dlqID)
}

// WorkerPulses reports the most recent liveness beacon per worker pool,
// newest first. Returns nothing when no heartbeat is attached.
func (s *Service) WorkerPulses(ctx context.Context, n int) ([]tasks.Pulse, error) {
	if s.heartbeat == nil {
		return nil, nil
	}
	return s.heartbeat.Latest(ctx, n)
}

// QueueDepths reports the number of waiting tasks per queue kind.
func (s *Service) QueueDepths(ctx context.Context) (map[tasks.Kind]int64, error) {
	depths := make(map[tasks.Kind]int64, 2)
	for _, kind := range []tasks.Kind{tasks.KindGenerate, tasks.KindStream} {
		depth, err := s.queue.Depth(ctx, kind)
		if err != nil {
			return nil, err
		}
		depths[kind] = depth
	}
	return depths, nil
}

// Models lists the backend's model catalog.
func (s *Service) Models(ctx context.Context, forceRefresh bool) ([]ollama.ModelInfo, error) {
	return s.backend.ListModels(ctx, forceRefresh)
}

// PullModel downloads a model on the backend.
func (s *Service) PullModel(ctx context.Context, name string) error {
	return s.backend.Pull(ctx, name)
}

// Health reports whether the generation backend is reachable.
func (s *Service) Health(ctx context.Context) bool {
	return s.backend.Health(ctx)
}

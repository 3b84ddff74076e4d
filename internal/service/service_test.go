package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/furnacehq/furnace/internal/cache"
	"github.com/furnacehq/furnace/internal/config"
	"github.com/furnacehq/furnace/internal/memory"
	"github.com/furnacehq/furnace/internal/ollama"
	"github.com/furnacehq/furnace/internal/prompt"
	"github.com/furnacehq/furnace/internal/ratelimit"
	"github.com/furnacehq/furnace/internal/router"
	"github.com/furnacehq/furnace/internal/tasks"
)

// memStore is an in-memory Durable for wiring a real Manager without
// PostgreSQL.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]*memory.ConversationRecord
	users         map[string]*memory.UserProfile
	entries       map[string]memory.SystemEntry
}

func newMemStore() *memStore {
	return &memStore{
		conversations: map[string]*memory.ConversationRecord{},
		users:         map[string]*memory.UserProfile{},
		entries:       map[string]memory.SystemEntry{},
	}
}

func (s *memStore) EnsureConversation(ctx context.Context, conversationID, userID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.conversations[conversationID] = &memory.ConversationRecord{ConversationID: conversationID, UserID: userID}
	}
	return nil
}

func (s *memStore) GetConversation(ctx context.Context, conversationID string, limit int) (*memory.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	clone := *rec
	clone.Messages = append([]memory.Message(nil), rec.Messages...)
	return &clone, nil
}

func (s *memStore) AppendMessage(ctx context.Context, conversationID string, msg memory.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation not found")
	}
	rec.Messages = append(rec.Messages, msg)
	rec.MessageCount++
	rec.TotalTokens += msg.Tokens
	return nil
}

func (s *memStore) DeleteConversation(ctx context.Context, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return false, nil
	}
	delete(s.conversations, conversationID)
	return true, nil
}

func (s *memStore) ListConversations(ctx context.Context, userID string, limit, offset int) ([]memory.ConversationRecord, error) {
	return nil, nil
}

func (s *memStore) GetOrCreateUser(ctx context.Context, userID string) (*memory.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		clone := *u
		return &clone, nil
	}
	u := &memory.UserProfile{UserID: userID, Preferences: map[string]any{}}
	s.users[userID] = u
	clone := *u
	return &clone, nil
}

func (s *memStore) MergePreferences(ctx context.Context, userID string, patch map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &memory.UserProfile{UserID: userID, Preferences: map[string]any{}}
		s.users[userID] = u
	}
	for k, v := range patch {
		u.Preferences[k] = v
	}
	return true, nil
}

func (s *memStore) AppendFact(ctx context.Context, userID, fact string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &memory.UserProfile{UserID: userID, Preferences: map[string]any{}}
		s.users[userID] = u
	}
	u.Facts = append(u.Facts, fact)
	return true, nil
}

func (s *memStore) ListUsers(ctx context.Context, limit, offset int) ([]memory.UserProfile, error) {
	return nil, nil
}

func (s *memStore) UpsertSystemEntry(ctx context.Context, entry memory.SystemEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	return nil
}

func (s *memStore) GetSystemEntry(ctx context.Context, key string) (*memory.SystemEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	clone := entry
	return &clone, nil
}

func (s *memStore) ListSystemEntries(ctx context.Context, kind memory.Kind, includeExpired bool) ([]memory.SystemEntry, error) {
	return nil, nil
}

func (s *memStore) DeleteSystemEntry(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *memStore) Stats(ctx context.Context) (*memory.Stats, error) {
	return &memory.Stats{}, nil
}

func (s *memStore) CleanupExpired(ctx context.Context) (int64, error) { return 0, nil }

type testHarness struct {
	svc   *Service
	store *memStore
	mem   *memory.Manager
	queue *tasks.Queue
	sinks *tasks.SinkRegistry
	gen   *ollama.Client
}

// newHarness wires a full service against a local Redis (skipped when
// absent), an in-memory durable store and a stubbed Ollama backend.
func newHarness(t *testing.T, rl config.RateLimitConfig, backendResponse string) *testHarness {
	client, err := cache.New(config.RedisConfig{Addr: "localhost:6379"})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		streams := append(tasks.StreamsFor(tasks.KindGenerate), tasks.StreamsFor(tasks.KindStream)...)
		streams = append(streams, tasks.StreamDLQ)
		client.Raw().Del(context.Background(), streams...)
		client.Close()
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"llama3.2","size":100}]}`)
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"model":"llama3.2","response":%q,"done":true,"eval_count":3}`, backendResponse)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	backend, err := ollama.NewClient(config.OllamaConfig{
		URL:          srv.URL,
		DefaultModel: "llama3.2",
		RoutingModel: "llama3.2",
		Timeout:      5 * time.Second,
	})
	require.NoError(t, err)

	store := newMemStore()
	mem := memory.NewManager(store, client, config.CacheConfig{
		ConversationTTL: time.Minute,
		UserTTL:         time.Minute,
		StatsTTL:        time.Minute,
	})
	t.Cleanup(mem.Wait)

	queue := tasks.NewQueue(client, time.Minute)
	sinks := tasks.NewSinkRegistry()
	builder := prompt.NewBuilder(mem)

	svc := New(
		ratelimit.NewLimiter(client, rl),
		mem,
		queue,
		tasks.NewDeadLetterQueue(client),
		sinks,
		backend,
		builder,
		router.NewRouter(backend, "llama3.2"),
	)

	h := &testHarness{svc: svc, store: store, mem: mem, queue: queue, sinks: sinks, gen: backend}

	pool := tasks.NewPool(queue, tasks.NewDeadLetterQueue(client), backend, builder, mem, sinks, config.TasksConfig{
		Workers:         1,
		StreamWorkers:   1,
		MaxRetries:      1,
		RetryDelay:      10 * time.Millisecond,
		SoftTimeout:     5 * time.Second,
		HardTimeout:     10 * time.Second,
		ResultTTL:       time.Minute,
		HeartbeatPeriod: time.Minute,
	})
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Stop)

	return h
}

func defaultLimits() config.RateLimitConfig {
	return config.RateLimitConfig{PerMinute: 60, PerHour: 1000, GlobalMultiplier: 50}
}

func newChatRequest() tasks.ChatRequest {
	return tasks.ChatRequest{
		Message:        "Hello",
		ConversationID: "conv-" + uuid.NewString(),
		UserID:         "user-" + uuid.NewString(),
	}
}

func TestChatSyncRoundTrip(t *testing.T) {
	h := newHarness(t, defaultLimits(), "Hi there")
	ctx := context.Background()

	req := newChatRequest()
	result, err := h.svc.ChatSync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", result.Response)
	assert.Equal(t, 3, result.TokensUsed)
	h.mem.Wait()

	rec, err := h.svc.GetConversation(ctx, req.ConversationID, 0)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.MessageCount, "user turn plus assistant turn")
	assert.Equal(t, memory.RoleUser, rec.Messages[0].Role)
	assert.Equal(t, memory.RoleAssistant, rec.Messages[1].Role)
	assert.Equal(t, "Hi there", rec.Messages[1].Content)
}

func TestSubmitChatCompletes(t *testing.T) {
	h := newHarness(t, defaultLimits(), "Hi there")
	ctx := context.Background()

	req := newChatRequest()
	taskID, err := h.svc.SubmitChat(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	var status *tasks.StatusRecord
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, err = h.svc.TaskStatus(ctx, taskID)
		require.NoError(t, err)
		if status.State.Terminal() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NotNil(t, status)
	require.Equal(t, tasks.StateCompleted, status.State)
	assert.Equal(t, "Hi there", status.Result.Response)
	h.mem.Wait()

	rec, err := h.svc.GetConversation(ctx, req.ConversationID, 0)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.MessageCount)
}

func TestSubmitChatValidation(t *testing.T) {
	h := newHarness(t, defaultLimits(), "ignored")
	ctx := context.Background()

	_, err := h.svc.SubmitChat(ctx, tasks.ChatRequest{UserID: "alice"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.SubmitChat(ctx, tasks.ChatRequest{Message: "hi"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.ChatSync(ctx, tasks.ChatRequest{Message: "   ", UserID: "alice"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmitChatRateLimited(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{PerMinute: 1, PerHour: 100, GlobalMultiplier: 50}, "Hi")
	ctx := context.Background()

	req := newChatRequest()
	_, err := h.svc.SubmitChat(ctx, req)
	require.NoError(t, err)

	_, err = h.svc.SubmitChat(ctx, req)
	require.Error(t, err)
	assert.True(t, ratelimit.IsRateLimited(err))
}

func TestTaskStatusUnknown(t *testing.T) {
	h := newHarness(t, defaultLimits(), "ignored")
	_, err := h.svc.TaskStatus(context.Background(), "no-such-task")
	assert.ErrorIs(t, err, ErrUnknownTask)

	err = h.svc.CancelTask(context.Background(), "no-such-task")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestRouteWithoutActiveSchema(t *testing.T) {
	h := newHarness(t, defaultLimits(), "ignored")
	decision, err := h.svc.Route(context.Background(), "hello")
	require.NoError(t, err)
	assert.Empty(t, decision.Class)
}

func TestRouteWithActiveSchema(t *testing.T) {
	h := newHarness(t, defaultLimits(), `{"class": "greeting", "arguments": {}}`)
	ctx := context.Background()

	require.NoError(t, h.svc.SetSystemEntry(ctx, memory.SystemEntry{
		Key: "router_v1",
		Value: memory.ObjectValue(map[string]any{
			"classes": []any{map[string]any{"name": "greeting", "description": "Greetings"}},
		}),
		Kind: memory.KindKnowledge,
	}))
	require.NoError(t, h.svc.SetActiveRouterSchema(ctx, "router_v1"))

	decision, err := h.svc.Route(ctx, "hello there")
	require.NoError(t, err)
	assert.Equal(t, "greeting", decision.Class)
}

func TestSubmitStreamDeliversChunks(t *testing.T) {
	h := newHarness(t, defaultLimits(), "Hi there")
	ctx := context.Background()

	req := newChatRequest()
	taskID, sink, err := h.svc.SubmitStream(ctx, req)
	require.NoError(t, err)
	defer h.svc.ReleaseStream(taskID, sink)

	var streamed string
	deadline := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case chunk := <-sink.C():
			streamed += chunk.Content
			done = chunk.Done
		case <-deadline:
			t.Fatal("timeout waiting for stream chunks")
		}
	}
	assert.Equal(t, "Hi there", streamed)
}

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/furnacehq/furnace/internal/config"
	"github.com/furnacehq/furnace/internal/logging"
	"github.com/furnacehq/furnace/internal/metrics"
)

// DefaultConversationTTL is applied when a message is saved without an
// explicit TTL.
const DefaultConversationTTL = 7 * 24 * time.Hour

const sideEffectTimeout = 10 * time.Second

// ErrNoSuchEntry is returned when an active pointer is set to a key that does
// not exist.
var ErrNoSuchEntry = errors.New("no such system entry")

// Durable is the source-of-truth store. A nil record with a nil error means
// "not found".
type Durable interface {
	EnsureConversation(ctx context.Context, conversationID, userID string, ttl time.Duration) error
	GetConversation(ctx context.Context, conversationID string, limit int) (*ConversationRecord, error)
	AppendMessage(ctx context.Context, conversationID string, msg Message) error
	DeleteConversation(ctx context.Context, conversationID string) (bool, error)
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]ConversationRecord, error)

	GetOrCreateUser(ctx context.Context, userID string) (*UserProfile, error)
	MergePreferences(ctx context.Context, userID string, patch map[string]any) (bool, error)
	AppendFact(ctx context.Context, userID, fact string) (bool, error)
	ListUsers(ctx context.Context, limit, offset int) ([]UserProfile, error)

	UpsertSystemEntry(ctx context.Context, entry SystemEntry) error
	GetSystemEntry(ctx context.Context, key string) (*SystemEntry, error)
	ListSystemEntries(ctx context.Context, kind Kind, includeExpired bool) ([]SystemEntry, error)
	DeleteSystemEntry(ctx context.Context, key string) (bool, error)

	Stats(ctx context.Context) (*Stats, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

// Cache is the advisory fast path. A miss is reported as cache.ErrMiss; every
// cache failure is swallowed here, the durable store is the fallback of
// record.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Manager is the hybrid cache-aside memory store: PostgreSQL for persistence,
// Redis in front of conversation, user and stats reads.
type Manager struct {
	durable Durable
	cache   Cache
	cfg     config.CacheConfig
	log     *slog.Logger

	sideEffects sync.WaitGroup
}

func NewManager(durable Durable, cache Cache, cfg config.CacheConfig) *Manager {
	return &Manager{
		durable: durable,
		cache:   cache,
		cfg:     cfg,
		log:     logging.WithComponent("memory"),
	}
}

// Wait blocks until detached side effects (fact extraction) have drained.
// Called on shutdown.
func (m *Manager) Wait() {
	m.sideEffects.Wait()
}

func conversationKey(id string) string { return "conversation:" + id }
func userKey(id string) string         { return "user:" + id }

const statsKey = "memory:stats"

// GetConversation returns a conversation, cache first, trimmed to the most
// recent limit messages when limit > 0. Returns (nil, nil) when the
// conversation does not exist.
func (m *Manager) GetConversation(ctx context.Context, conversationID string, limit int) (*ConversationRecord, error) {
	metrics.MemoryOperations.Inc()

	if cached, err := m.cache.Get(ctx, conversationKey(conversationID)); err == nil {
		var rec ConversationRecord
		if err := json.Unmarshal([]byte(cached), &rec); err == nil {
			metrics.CacheHits.WithLabelValues("conversation").Inc()
			trimMessages(&rec, limit)
			return &rec, nil
		}
		m.log.Warn("failed to parse cached conversation", "conversation_id", conversationID)
	}
	metrics.CacheMisses.WithLabelValues("conversation").Inc()

	rec, err := m.durable.GetConversation(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	if rec == nil {
		return nil, nil
	}
	rec.Topics = ExtractTopics(rec.Messages)

	if data, err := json.Marshal(rec); err == nil {
		if err := m.cache.Set(ctx, conversationKey(conversationID), string(data), m.cfg.ConversationTTL); err != nil {
			m.log.Warn("failed to cache conversation", "conversation_id", conversationID, "error", err)
		}
	}

	trimMessages(rec, limit)
	return rec, nil
}

func trimMessages(rec *ConversationRecord, limit int) {
	if limit > 0 && len(rec.Messages) > limit {
		rec.Messages = rec.Messages[len(rec.Messages)-limit:]
	}
}

// SaveMessage appends a message to a conversation, creating the conversation
// if needed, and invalidates the conversation's cache entry. Fact extraction
// from user messages runs detached and can never fail the write.
func (m *Manager) SaveMessage(ctx context.Context, conversationID string, msg Message, userID string, ttl time.Duration) error {
	metrics.MemoryOperations.Inc()
	if ttl <= 0 {
		ttl = DefaultConversationTTL
	}

	if err := m.durable.EnsureConversation(ctx, conversationID, userID, ttl); err != nil {
		return fmt.Errorf("failed to ensure conversation %s: %w", conversationID, err)
	}
	if err := m.durable.AppendMessage(ctx, conversationID, msg); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	if err := m.cache.Del(ctx, conversationKey(conversationID)); err != nil {
		m.log.Warn("failed to invalidate conversation cache", "conversation_id", conversationID, "error", err)
	}

	if msg.Role == RoleUser && userID != "" {
		content := msg.Content
		m.sideEffects.Add(1)
		go func() {
			defer m.sideEffects.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
			defer cancel()
			m.extractAndSaveFacts(ctx, userID, content)
		}()
	}

	return nil
}

func (m *Manager) extractAndSaveFacts(ctx context.Context, userID, content string) {
	facts, prefs := ExtractFacts(content)
	for _, fact := range facts {
		if _, err := m.AddFact(ctx, userID, fact); err != nil {
			m.log.Debug("fact extraction save failed", "user_id", userID, "error", err)
		}
	}
	if len(prefs) > 0 {
		if _, err := m.UpdatePreferences(ctx, userID, prefs); err != nil {
			m.log.Debug("preference extraction save failed", "user_id", userID, "error", err)
		}
	}
}

// DeleteConversation soft-deletes a conversation and drops its cache entry.
func (m *Manager) DeleteConversation(ctx context.Context, conversationID string) (bool, error) {
	deleted, err := m.durable.DeleteConversation(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation %s: %w", conversationID, err)
	}
	if err := m.cache.Del(ctx, conversationKey(conversationID)); err != nil {
		m.log.Warn("failed to drop conversation cache", "conversation_id", conversationID, "error", err)
	}
	return deleted, nil
}

// ListConversations pages conversation summaries, newest first. Empty userID
// lists across all users.
func (m *Manager) ListConversations(ctx context.Context, userID string, limit, offset int) ([]ConversationRecord, error) {
	return m.durable.ListConversations(ctx, userID, limit, offset)
}

// GetUser returns the user profile, creating it on first sight.
func (m *Manager) GetUser(ctx context.Context, userID string) (*UserProfile, error) {
	metrics.MemoryOperations.Inc()

	if cached, err := m.cache.Get(ctx, userKey(userID)); err == nil {
		var profile UserProfile
		if err := json.Unmarshal([]byte(cached), &profile); err == nil {
			metrics.CacheHits.WithLabelValues("user").Inc()
			return &profile, nil
		}
		m.log.Warn("failed to parse cached user", "user_id", userID)
	}
	metrics.CacheMisses.WithLabelValues("user").Inc()

	profile, err := m.durable.GetOrCreateUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	if data, err := json.Marshal(profile); err == nil {
		if err := m.cache.Set(ctx, userKey(userID), string(data), m.cfg.UserTTL); err != nil {
			m.log.Warn("failed to cache user", "user_id", userID, "error", err)
		}
	}
	return profile, nil
}

// UpdatePreferences shallow-merges patch into the stored preferences; patch
// wins on key collision.
func (m *Manager) UpdatePreferences(ctx context.Context, userID string, patch map[string]any) (bool, error) {
	updated, err := m.durable.MergePreferences(ctx, userID, patch)
	if err != nil {
		return false, fmt.Errorf("failed to update preferences for %s: %w", userID, err)
	}
	if updated {
		if err := m.cache.Del(ctx, userKey(userID)); err != nil {
			m.log.Warn("failed to invalidate user cache", "user_id", userID, "error", err)
		}
	}
	return updated, nil
}

// AddFact appends a fact to the user's profile unless it is already known.
func (m *Manager) AddFact(ctx context.Context, userID, fact string) (bool, error) {
	added, err := m.durable.AppendFact(ctx, userID, fact)
	if err != nil {
		return false, fmt.Errorf("failed to add fact for %s: %w", userID, err)
	}
	if added {
		if err := m.cache.Del(ctx, userKey(userID)); err != nil {
			m.log.Warn("failed to invalidate user cache", "user_id", userID, "error", err)
		}
	}
	return added, nil
}

// ListUsers pages user profiles by recent activity.
func (m *Manager) ListUsers(ctx context.Context, limit, offset int) ([]UserProfile, error) {
	return m.durable.ListUsers(ctx, limit, offset)
}

// SetSystemEntry upserts a system entry. A zero Priority defaults to medium.
func (m *Manager) SetSystemEntry(ctx context.Context, entry SystemEntry) error {
	metrics.MemoryOperations.Inc()
	if entry.Key == "" {
		return fmt.Errorf("system entry key is required")
	}
	if entry.Kind == "" {
		entry.Kind = KindSystemFact
	}
	if entry.Priority == "" {
		entry.Priority = PriorityMedium
	}
	return m.durable.UpsertSystemEntry(ctx, entry)
}

// GetSystemEntry returns the entry at key, or (nil, nil) when absent or
// expired.
func (m *Manager) GetSystemEntry(ctx context.Context, key string) (*SystemEntry, error) {
	metrics.MemoryOperations.Inc()
	return m.durable.GetSystemEntry(ctx, key)
}

// ListSystemEntries lists entries, optionally filtered by kind.
func (m *Manager) ListSystemEntries(ctx context.Context, kind Kind, includeExpired bool) ([]SystemEntry, error) {
	return m.durable.ListSystemEntries(ctx, kind, includeExpired)
}

// DeleteSystemEntry removes an entry. If the entry is the target of an active
// pointer, the pointer is cleared as well so readers never resolve through a
// dangling reference.
func (m *Manager) DeleteSystemEntry(ctx context.Context, key string) (bool, error) {
	deleted, err := m.durable.DeleteSystemEntry(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete system entry %s: %w", key, err)
	}
	if deleted {
		m.clearDanglingPointers(ctx, key)
	}
	return deleted, nil
}

func (m *Manager) clearDanglingPointers(ctx context.Context, target string) {
	for _, pointerKey := range []string{ActiveSystemPromptKey, ActiveRouterSchemaKey} {
		if pointerKey == target {
			continue
		}
		pointer, err := m.durable.GetSystemEntry(ctx, pointerKey)
		if err != nil || pointer == nil {
			continue
		}
		if pointer.Value.Type == ValueText && pointer.Value.Text == target {
			if _, err := m.durable.DeleteSystemEntry(ctx, pointerKey); err != nil {
				m.log.Warn("failed to clear active pointer", "pointer", pointerKey, "target", target, "error", err)
			} else {
				m.log.Info("cleared active pointer to deleted entry", "pointer", pointerKey, "target", target)
			}
		}
	}
}

// SetActivePointer points pointerKey at targetKey. The target must exist.
func (m *Manager) SetActivePointer(ctx context.Context, pointerKey, targetKey string) error {
	target, err := m.durable.GetSystemEntry(ctx, targetKey)
	if err != nil {
		return fmt.Errorf("failed to resolve pointer target %s: %w", targetKey, err)
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchEntry, targetKey)
	}
	return m.durable.UpsertSystemEntry(ctx, SystemEntry{
		Key:      pointerKey,
		Value:    TextValue(targetKey),
		Kind:     KindSystemFact,
		Priority: PriorityHigh,
	})
}

// ResolveActivePointer follows pointerKey to its target entry. A missing
// pointer or a dangling target both resolve to (nil, nil).
func (m *Manager) ResolveActivePointer(ctx context.Context, pointerKey string) (*SystemEntry, error) {
	pointer, err := m.durable.GetSystemEntry(ctx, pointerKey)
	if err != nil {
		return nil, err
	}
	if pointer == nil || pointer.Value.Type != ValueText || pointer.Value.Text == "" {
		return nil, nil
	}
	target, err := m.durable.GetSystemEntry(ctx, pointer.Value.Text)
	if err != nil {
		return nil, err
	}
	return target, nil
}

// ActiveSystemPrompt returns the text of the currently active system prompt,
// or "" when none is configured.
func (m *Manager) ActiveSystemPrompt(ctx context.Context) (string, error) {
	entry, err := m.ResolveActivePointer(ctx, ActiveSystemPromptKey)
	if err != nil || entry == nil {
		return "", err
	}
	if entry.Value.Type != ValueText {
		return "", nil
	}
	return entry.Value.Text, nil
}

// ActiveRouterSchema returns the currently active routing schema object, or
// nil when none is configured.
func (m *Manager) ActiveRouterSchema(ctx context.Context) (map[string]any, error) {
	entry, err := m.ResolveActivePointer(ctx, ActiveRouterSchemaKey)
	if err != nil || entry == nil {
		return nil, err
	}
	if entry.Value.Type != ValueObject {
		return nil, nil
	}
	return entry.Value.Object, nil
}

// Stats returns aggregate memory statistics with a short cache in front.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	if cached, err := m.cache.Get(ctx, statsKey); err == nil {
		var stats Stats
		if err := json.Unmarshal([]byte(cached), &stats); err == nil {
			metrics.CacheHits.WithLabelValues("stats").Inc()
			return &stats, nil
		}
	}
	metrics.CacheMisses.WithLabelValues("stats").Inc()

	stats, err := m.durable.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load memory stats: %w", err)
	}
	if data, err := json.Marshal(stats); err == nil {
		if err := m.cache.Set(ctx, statsKey, string(data), m.cfg.StatsTTL); err != nil {
			m.log.Warn("failed to cache stats", "error", err)
		}
	}
	return stats, nil
}

// CleanupExpired purges expired conversations and system entries from the
// durable store. Run from the scheduler.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return m.durable.CleanupExpired(ctx)
}

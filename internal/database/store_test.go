package database

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/furnacehq/furnace/internal/memory"
)

// setupStore connects to the database named by FURNACE_TEST_DATABASE_URL, or
// skips the test.
func setupStore(t *testing.T) *Store {
	url := os.Getenv("FURNACE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FURNACE_TEST_DATABASE_URL not set")
	}
	store, err := NewStore(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestConversationLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	convID := uniqueID("conv")
	userID := uniqueID("user")
	require.NoError(t, store.EnsureConversation(ctx, convID, userID, time.Hour))
	// Idempotent.
	require.NoError(t, store.EnsureConversation(ctx, convID, userID, time.Hour))

	for i, content := range []string{"how do I fix this bug", "try rebuilding"} {
		role := memory.RoleUser
		if i == 1 {
			role = memory.RoleAssistant
		}
		require.NoError(t, store.AppendMessage(ctx, convID, memory.Message{
			ID:        uniqueID("msg"),
			Role:      role,
			Content:   content,
			Tokens:    5,
			Model:     "llama3.2",
			Timestamp: time.Now(),
		}))
	}

	rec, err := store.GetConversation(ctx, convID, 0)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.MessageCount)
	assert.Equal(t, 10, rec.TotalTokens)
	assert.Len(t, rec.Messages, 2)
	assert.Equal(t, memory.RoleUser, rec.Messages[0].Role)

	// Limited fetch returns the most recent messages in order.
	rec, err = store.GetConversation(ctx, convID, 1)
	require.NoError(t, err)
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, memory.RoleAssistant, rec.Messages[0].Role)
	assert.Equal(t, 2, rec.MessageCount)

	deleted, err := store.DeleteConversation(ctx, convID)
	require.NoError(t, err)
	assert.True(t, deleted)

	rec, err = store.GetConversation(ctx, convID, 0)
	require.NoError(t, err)
	assert.Nil(t, rec, "soft-deleted conversations read as absent")
}

func TestUserPreferencesAndFacts(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	userID := uniqueID("user")

	profile, err := store.GetOrCreateUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, userID, profile.UserID)

	updated, err := store.MergePreferences(ctx, userID, map[string]any{"language": "en"})
	require.NoError(t, err)
	assert.True(t, updated)
	_, err = store.MergePreferences(ctx, userID, map[string]any{"tone": "formal"})
	require.NoError(t, err)

	added, err := store.AppendFact(ctx, userID, "Programs in go")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = store.AppendFact(ctx, userID, "Programs in go")
	require.NoError(t, err)
	assert.False(t, added, "duplicate facts are not appended")

	profile, err = store.GetOrCreateUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "en", profile.Preferences["language"])
	assert.Equal(t, "formal", profile.Preferences["tone"])
	assert.Equal(t, []string{"Programs in go"}, profile.Facts)
}

func TestSystemEntryUpsertBumpsAccess(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	key := uniqueID("entry")

	entry := memory.SystemEntry{
		Key:      key,
		Value:    memory.TextValue("v1"),
		Kind:     memory.KindSystemFact,
		Priority: memory.PriorityMedium,
	}
	require.NoError(t, store.UpsertSystemEntry(ctx, entry))

	entry.Value = memory.TextValue("v2")
	require.NoError(t, store.UpsertSystemEntry(ctx, entry))

	got, err := store.GetSystemEntry(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", got.Value.Text)
	assert.GreaterOrEqual(t, got.AccessCount, 1, "replacement bumps the access counter")

	deleted, err := store.DeleteSystemEntry(ctx, key)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestExpiredSystemEntryReadsAbsent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	key := uniqueID("entry")

	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.UpsertSystemEntry(ctx, memory.SystemEntry{
		Key:       key,
		Value:     memory.TextValue("stale"),
		Kind:      memory.KindSystemFact,
		Priority:  memory.PriorityLow,
		ExpiresAt: &past,
	}))

	got, err := store.GetSystemEntry(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	removed, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))
}

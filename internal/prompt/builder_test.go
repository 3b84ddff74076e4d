package prompt

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/furnacehq/furnace/internal/memory"
)

type fakeMemory struct {
	systemPrompt string
	profile      *memory.UserProfile
	conversation *memory.ConversationRecord
	failing      bool
}

func (f *fakeMemory) ActiveSystemPrompt(ctx context.Context) (string, error) {
	if f.failing {
		return "", errors.New("memory down")
	}
	return f.systemPrompt, nil
}

func (f *fakeMemory) GetUser(ctx context.Context, userID string) (*memory.UserProfile, error) {
	if f.failing {
		return nil, errors.New("memory down")
	}
	return f.profile, nil
}

func (f *fakeMemory) GetConversation(ctx context.Context, conversationID string, limit int) (*memory.ConversationRecord, error) {
	if f.failing {
		return nil, errors.New("memory down")
	}
	return f.conversation, nil
}

func TestBuildFullPrompt(t *testing.T) {
	mem := &fakeMemory{
		systemPrompt: "You are a helpful assistant.",
		profile: &memory.UserProfile{
			UserID:      "alice",
			Preferences: map[string]any{"language": "en", "tone": "casual"},
			Facts:       []string{"Name: Alice", "Programs in go", "Works with DevOps tooling", "Interested in AI and machine learning"},
		},
		conversation: &memory.ConversationRecord{
			Messages: []memory.Message{
				{Role: memory.RoleUser, Content: "hi"},
				{Role: memory.RoleSystem, Content: "internal note"},
				{Role: memory.RoleAssistant, Content: "hello!"},
			},
		},
	}

	got := NewBuilder(mem).Build(context.Background(), "what now?", "conv-1", "alice", "llama3.2")

	// Every block present and in order.
	idxSystem := strings.Index(got, "You are a helpful assistant.")
	idxModel := strings.Index(got, "running as the llama3.2 model")
	idxContext := strings.Index(got, "What you know about this user:")
	idxHistory := strings.Index(got, "User: hi")
	idxTurn := strings.Index(got, "User: what now?")
	assert.True(t, idxSystem >= 0 && idxSystem < idxModel)
	assert.True(t, idxModel < idxContext)
	assert.True(t, idxContext < idxHistory)
	assert.True(t, idxHistory < idxTurn)
	assert.True(t, strings.HasSuffix(got, "Assistant:"))

	// Preferences in stable order, only the last three facts.
	assert.Contains(t, got, "- language: en")
	assert.Contains(t, got, "- tone: casual")
	assert.NotContains(t, got, "Name: Alice")
	assert.Contains(t, got, "Programs in go")

	// System-role turns never leak into the history block.
	assert.NotContains(t, got, "internal note")
	assert.Contains(t, got, "Assistant: hello!")
}

func TestBuildDegradesWhenMemoryFails(t *testing.T) {
	mem := &fakeMemory{failing: true}
	got := NewBuilder(mem).Build(context.Background(), "ping", "conv-1", "alice", "")
	assert.Equal(t, "User: ping\nAssistant:", got)
}

func TestBuildWithoutIdentifiers(t *testing.T) {
	mem := &fakeMemory{systemPrompt: "Be brief."}
	got := NewBuilder(mem).Build(context.Background(), "ping", "", "", "")
	assert.Equal(t, "Be brief.\n\nUser: ping\nAssistant:", got)
}

func TestBuildSkipsEmptyUserContext(t *testing.T) {
	mem := &fakeMemory{profile: &memory.UserProfile{UserID: "bob"}}
	got := NewBuilder(mem).Build(context.Background(), "ping", "", "bob", "")
	assert.NotContains(t, got, "What you know about this user:")
}

package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/furnacehq/furnace/internal/logging"
	"github.com/furnacehq/furnace/internal/memory"
)

const (
	historyTurns = 6
	recentFacts  = 3
)

// Memory is the slice of the memory manager the builder reads from.
type Memory interface {
	ActiveSystemPrompt(ctx context.Context) (string, error)
	GetUser(ctx context.Context, userID string) (*memory.UserProfile, error)
	GetConversation(ctx context.Context, conversationID string, limit int) (*memory.ConversationRecord, error)
}

// Builder assembles the full prompt sent to the generation backend: system
// prompt, model identity, user context, recent history and the current turn.
// Assembly never fails; every block that cannot be loaded is dropped and the
// prompt degrades, in the worst case to the raw user message.
type Builder struct {
	mem Memory
	log *slog.Logger
}

func NewBuilder(mem Memory) *Builder {
	return &Builder{
		mem: mem,
		log: logging.WithComponent("prompt"),
	}
}

// Build assembles the prompt for one user turn. conversationID and userID may
// be empty, which skips the history and user-context blocks.
func (b *Builder) Build(ctx context.Context, userMessage, conversationID, userID, model string) string {
	var sb strings.Builder

	if system, err := b.mem.ActiveSystemPrompt(ctx); err != nil {
		b.log.Warn("failed to load system prompt", "error", err)
	} else if system != "" {
		sb.WriteString(system)
		sb.WriteString("\n\n")
	}

	if model != "" {
		fmt.Fprintf(&sb, "You are running as the %s model.\n\n", model)
	}

	if userID != "" {
		b.writeUserContext(ctx, &sb, userID)
	}
	if conversationID != "" {
		b.writeHistory(ctx, &sb, conversationID)
	}

	fmt.Fprintf(&sb, "User: %s\nAssistant:", userMessage)
	return sb.String()
}

func (b *Builder) writeUserContext(ctx context.Context, sb *strings.Builder, userID string) {
	profile, err := b.mem.GetUser(ctx, userID)
	if err != nil {
		b.log.Warn("failed to load user context", "user_id", userID, "error", err)
		return
	}
	if profile == nil || (len(profile.Preferences) == 0 && len(profile.Facts) == 0) {
		return
	}

	sb.WriteString("What you know about this user:\n")
	keys := make([]string, 0, len(profile.Preferences))
	for key := range profile.Preferences {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(sb, "- %s: %v\n", key, profile.Preferences[key])
	}
	facts := profile.Facts
	if len(facts) > recentFacts {
		facts = facts[len(facts)-recentFacts:]
	}
	for _, fact := range facts {
		fmt.Fprintf(sb, "- %s\n", fact)
	}
	sb.WriteString("\n")
}

func (b *Builder) writeHistory(ctx context.Context, sb *strings.Builder, conversationID string) {
	rec, err := b.mem.GetConversation(ctx, conversationID, historyTurns)
	if err != nil {
		b.log.Warn("failed to load conversation history", "conversation_id", conversationID, "error", err)
		return
	}
	if rec == nil || len(rec.Messages) == 0 {
		return
	}

	wrote := false
	for _, msg := range rec.Messages {
		switch msg.Role {
		case memory.RoleUser:
			fmt.Fprintf(sb, "User: %s\n", msg.Content)
		case memory.RoleAssistant:
			fmt.Fprintf(sb, "Assistant: %s\n", msg.Content)
		default:
			continue
		}
		wrote = true
	}
	if wrote {
		sb.WriteString("\n")
	}
}

package memory

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Kind classifies a system entry.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindUserContext  Kind = "user_context"
	KindSystemFact   Kind = "system_fact"
	KindPreference   Kind = "preference"
	KindKnowledge    Kind = "knowledge"
)

// Priority orders system entries for eviction and review.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Well-known active-pointer keys. The value of a pointer entry is the key of
// the entry it designates as currently effective.
const (
	ActiveSystemPromptKey = "active_system_prompt"
	ActiveRouterSchemaKey = "active_router_schema"
)

// Message is a single conversation turn. Immutable once stored.
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Tokens    int            `json:"tokens"`
	Model     string         `json:"model,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ConversationRecord is a conversation with its aggregates. MessageCount and
// TotalTokens always equal the aggregates over all stored messages, which may
// be more than the (possibly trimmed) Messages slice carries.
type ConversationRecord struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id,omitempty"`
	Messages       []Message  `json:"messages"`
	Topics         []string   `json:"topics,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	TotalTokens    int        `json:"total_tokens"`
	MessageCount   int        `json:"message_count"`
}

// UserProfile is the per-user memory.
type UserProfile struct {
	UserID              string         `json:"user_id"`
	Preferences         map[string]any `json:"preferences"`
	Facts               []string       `json:"facts"`
	RecentConversations []string       `json:"recent_conversations"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	LastActive          time.Time      `json:"last_active"`
}

// ValueType discriminates the shapes a system entry value can take.
type ValueType string

const (
	ValueText   ValueType = "text"
	ValueNumber ValueType = "number"
	ValueBool   ValueType = "bool"
	ValueObject ValueType = "object"
	ValueList   ValueType = "list"
)

// EntryValue is a tagged union over the payload shapes system entries carry.
// Exactly one of the payload fields is meaningful, selected by Type.
type EntryValue struct {
	Type   ValueType
	Text   string
	Number float64
	Bool   bool
	Object map[string]any
	List   []any
}

func TextValue(s string) EntryValue          { return EntryValue{Type: ValueText, Text: s} }
func NumberValue(n float64) EntryValue       { return EntryValue{Type: ValueNumber, Number: n} }
func BoolValue(b bool) EntryValue            { return EntryValue{Type: ValueBool, Bool: b} }
func ObjectValue(m map[string]any) EntryValue { return EntryValue{Type: ValueObject, Object: m} }
func ListValue(l []any) EntryValue           { return EntryValue{Type: ValueList, List: l} }

// MarshalJSON writes the payload as plain JSON of the selected shape, so the
// stored form stays readable by other consumers of the table.
func (v EntryValue) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case ValueText:
		return json.Marshal(v.Text)
	case ValueNumber:
		return json.Marshal(v.Number)
	case ValueBool:
		return json.Marshal(v.Bool)
	case ValueObject:
		return json.Marshal(v.Object)
	case ValueList:
		return json.Marshal(v.List)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON infers the variant from the raw JSON shape.
func (v *EntryValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch val := raw.(type) {
	case string:
		*v = TextValue(val)
	case float64:
		*v = NumberValue(val)
	case bool:
		*v = BoolValue(val)
	case map[string]any:
		*v = ObjectValue(val)
	case []any:
		*v = ListValue(val)
	case nil:
		*v = EntryValue{}
	default:
		return fmt.Errorf("unsupported entry value shape %T", raw)
	}
	return nil
}

// SystemEntry is an arbitrary keyed memory record.
type SystemEntry struct {
	Key          string     `json:"key"`
	Value        EntryValue `json:"value"`
	Kind         Kind       `json:"kind"`
	Priority     Priority   `json:"priority"`
	Tags         []string   `json:"tags,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	AccessCount  int        `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
}

// Expired reports whether the entry's TTL has passed.
func (e *SystemEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// TopicCount is one entry of the popular-topics ranking.
type TopicCount struct {
	Topic string `json:"topic"`
	Count int64  `json:"count"`
}

// ModelUsage aggregates per-model conversation stats.
type ModelUsage struct {
	UsageCount int64   `json:"usage_count"`
	AvgTokens  float64 `json:"avg_tokens"`
}

// Stats is the aggregate view over the durable store.
type Stats struct {
	TotalUsers            int64                 `json:"total_users"`
	TotalConversations    int64                 `json:"total_conversations"`
	TotalMessages         int64                 `json:"total_messages"`
	TotalTokens           int64                 `json:"total_tokens"`
	AvgConversationLength float64               `json:"avg_conversation_length"`
	PopularTopics         []TopicCount          `json:"popular_topics"`
	ModelUsage            map[string]ModelUsage `json:"model_usage"`
}

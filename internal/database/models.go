package database

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type userModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Identifier  string    `gorm:"uniqueIndex;not null"`
	Preferences string    `gorm:"type:jsonb;default:'{}';not null"`
	Facts       string    `gorm:"type:jsonb;default:'[]';not null"`
	IsActive    bool      `gorm:"default:true;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastActive  time.Time
}

func (userModel) TableName() string { return "users" }

type conversationModel struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ConversationID string     `gorm:"uniqueIndex;not null"`
	UserID         *uuid.UUID `gorm:"type:uuid;index"`
	ModelUsed      string
	MessageCount   int    `gorm:"default:0;not null"`
	TotalTokens    int    `gorm:"default:0;not null"`
	Topics         string `gorm:"type:jsonb;default:'[]';not null"`
	IsActive       bool   `gorm:"default:true;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

func (conversationModel) TableName() string { return "conversations" }

type messageModel struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	MessageID      string    `gorm:"uniqueIndex;not null"`
	ConversationID uuid.UUID `gorm:"type:uuid;index;not null"`
	Role           string    `gorm:"not null"`
	Content        string    `gorm:"not null"`
	Tokens         int
	Model          string
	Metadata       string `gorm:"type:jsonb;default:'{}';not null"`
	CreatedAt      time.Time `gorm:"index"`
}

func (messageModel) TableName() string { return "messages" }

type systemEntryModel struct {
	Key          string `gorm:"primaryKey"`
	Value        string `gorm:"type:jsonb;not null"`
	Kind         string `gorm:"index"`
	Priority     string
	Tags         string `gorm:"type:jsonb;default:'[]';not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    *time.Time
	AccessCount  int `gorm:"default:0;not null"`
	LastAccessed *time.Time
}

func (systemEntryModel) TableName() string { return "system_entries" }

// jsonb columns are kept as raw strings on the models; these helpers tolerate
// empty and malformed stored values by falling back to the zero shape.

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func unmarshalMap(raw string) map[string]any {
	m := map[string]any{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &m)
	}
	return m
}

func unmarshalStrings(raw string) []string {
	var out []string
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &out)
	}
	return out
}

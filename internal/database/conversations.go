package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/furnacehq/furnace/internal/memory"
)

// EnsureConversation creates the conversation if it does not exist yet,
// binding it to the (possibly anonymous) owning user and stamping its expiry.
func (s *Store) EnsureConversation(ctx context.Context, conversationID, userID string, ttl time.Duration) error {
	var conv conversationModel
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		First(&conv).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to query conversation: %w", err)
	}

	if userID == "" {
		userID = "anonymous"
	}
	user, err := s.fetchOrCreateUser(ctx, userID)
	if err != nil {
		return err
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	conv = conversationModel{
		ID:             uuid.New(),
		ConversationID: conversationID,
		UserID:         &user.ID,
		Topics:         "[]",
		IsActive:       true,
		ExpiresAt:      expiresAt,
	}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		// A concurrent writer may have created it between the lookup and the
		// insert; the unique index makes that benign.
		var existing conversationModel
		if lookupErr := s.db.WithContext(ctx).
			Where("conversation_id = ? AND is_active = ?", conversationID, true).
			First(&existing).Error; lookupErr == nil {
			return nil
		}
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	s.log.Info("created conversation", "conversation_id", conversationID, "user_id", userID)
	return nil
}

// AppendMessage stores a message and updates the conversation aggregates in
// the same transaction, so message_count and total_tokens never drift from
// the stored messages.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg memory.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv conversationModel
		if err := tx.
			Where("conversation_id = ? AND is_active = ?", conversationID, true).
			First(&conv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("conversation not found: %s", conversationID)
			}
			return fmt.Errorf("failed to query conversation: %w", err)
		}

		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		record := messageModel{
			MessageID:      msg.ID,
			ConversationID: conv.ID,
			Role:           msg.Role,
			Content:        msg.Content,
			Tokens:         msg.Tokens,
			Model:          msg.Model,
			Metadata:       marshalJSON(msg.Metadata),
			CreatedAt:      ts,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		updates := map[string]any{
			"message_count": gorm.Expr("message_count + 1"),
			"total_tokens":  gorm.Expr("total_tokens + ?", msg.Tokens),
			"updated_at":    time.Now(),
		}
		if msg.Model != "" {
			updates["model_used"] = msg.Model
		}
		if msg.Role == memory.RoleUser {
			topics := mergeTopics(unmarshalStrings(conv.Topics), memory.ExtractTopics([]memory.Message{msg}))
			updates["topics"] = marshalJSON(topics)
		}
		if err := tx.Model(&conversationModel{}).
			Where("id = ?", conv.ID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update conversation aggregates: %w", err)
		}
		return nil
	})
}

func mergeTopics(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	merged := existing
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range incoming {
		if !seen[t] {
			merged = append(merged, t)
			seen[t] = true
		}
	}
	return merged
}

// GetConversation loads a conversation joined with its owning user. limit > 0
// restricts to the most recent N messages, returned in chronological order.
// Returns (nil, nil) when absent.
func (s *Store) GetConversation(ctx context.Context, conversationID string, limit int) (*memory.ConversationRecord, error) {
	var conv conversationModel
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}

	var owner string
	if conv.UserID != nil {
		var user userModel
		if err := s.db.WithContext(ctx).Where("id = ?", *conv.UserID).First(&user).Error; err == nil {
			owner = user.Identifier
		}
	}

	query := s.db.WithContext(ctx).Where("conversation_id = ?", conv.ID)
	var records []messageModel
	if limit > 0 {
		if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&records).Error; err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}
		reverseMessages(records)
	} else {
		if err := query.Order("created_at ASC, id ASC").Find(&records).Error; err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}
	}

	messages := make([]memory.Message, 0, len(records))
	for _, r := range records {
		messages = append(messages, memory.Message{
			ID:        r.MessageID,
			Role:      r.Role,
			Content:   r.Content,
			Tokens:    r.Tokens,
			Model:     r.Model,
			Metadata:  unmarshalMap(r.Metadata),
			Timestamp: r.CreatedAt,
		})
	}

	return &memory.ConversationRecord{
		ConversationID: conv.ConversationID,
		UserID:         owner,
		Messages:       messages,
		Topics:         unmarshalStrings(conv.Topics),
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
		ExpiresAt:      conv.ExpiresAt,
		TotalTokens:    conv.TotalTokens,
		MessageCount:   conv.MessageCount,
	}, nil
}

func reverseMessages(records []messageModel) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}

// DeleteConversation soft-deletes a conversation. Messages are retained until
// expiry cleanup.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&conversationModel{}).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		UpdateColumn("is_active", false)
	if result.Error != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListConversations pages conversation summaries, newest first. Messages are
// not loaded. Empty userID lists across all users.
func (s *Store) ListConversations(ctx context.Context, userID string, limit, offset int) ([]memory.ConversationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.WithContext(ctx).
		Model(&conversationModel{}).
		Where("conversations.is_active = ?", true)
	if userID != "" {
		query = query.
			Joins("JOIN users ON users.id = conversations.user_id").
			Where("users.identifier = ?", userID)
	}

	var convs []conversationModel
	if err := query.Order("conversations.updated_at DESC").Limit(limit).Offset(offset).Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	out := make([]memory.ConversationRecord, 0, len(convs))
	for _, c := range convs {
		out = append(out, memory.ConversationRecord{
			ConversationID: c.ConversationID,
			Topics:         unmarshalStrings(c.Topics),
			CreatedAt:      c.CreatedAt,
			UpdatedAt:      c.UpdatedAt,
			ExpiresAt:      c.ExpiresAt,
			TotalTokens:    c.TotalTokens,
			MessageCount:   c.MessageCount,
		})
	}
	return out, nil
}

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/furnacehq/furnace/internal/memory"
)

const recentConversationLimit = 10

// GetOrCreateUser returns the profile for an identifier, creating the row on
// first sight and refreshing last_active on every lookup.
func (s *Store) GetOrCreateUser(ctx context.Context, userID string) (*memory.UserProfile, error) {
	user, err := s.fetchOrCreateUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var recent []string
	if err := s.db.WithContext(ctx).
		Model(&conversationModel{}).
		Where("user_id = ? AND is_active = ?", user.ID, true).
		Order("updated_at DESC").
		Limit(recentConversationLimit).
		Pluck("conversation_id", &recent).Error; err != nil {
		return nil, fmt.Errorf("failed to load recent conversations: %w", err)
	}

	return &memory.UserProfile{
		UserID:              user.Identifier,
		Preferences:         unmarshalMap(user.Preferences),
		Facts:               unmarshalStrings(user.Facts),
		RecentConversations: recent,
		CreatedAt:           user.CreatedAt,
		UpdatedAt:           user.UpdatedAt,
		LastActive:          user.LastActive,
	}, nil
}

func (s *Store) fetchOrCreateUser(ctx context.Context, userID string) (*userModel, error) {
	var user userModel
	err := s.db.WithContext(ctx).
		Where("identifier = ? AND is_active = ?", userID, true).
		First(&user).Error
	if err == nil {
		if err := s.db.WithContext(ctx).
			Model(&userModel{}).
			Where("id = ?", user.ID).
			UpdateColumn("last_active", time.Now()).Error; err != nil {
			s.log.Warn("failed to refresh last_active", "user_id", userID, "error", err)
		}
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	user = userModel{
		ID:          uuid.New(),
		Identifier:  userID,
		Preferences: "{}",
		Facts:       "[]",
		IsActive:    true,
		LastActive:  time.Now(),
	}
	// Concurrent first-sight creation of the same identifier is resolved by
	// the unique index; losers re-read the winner's row.
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "identifier"}}, DoNothing: true}).
		Create(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if err := s.db.WithContext(ctx).
		Where("identifier = ? AND is_active = ?", userID, true).
		First(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to reload user: %w", err)
	}
	s.log.Info("created user", "user_id", userID)
	return &user, nil
}

// MergePreferences shallow-merges patch into the stored jsonb; patch wins on
// collision.
func (s *Store) MergePreferences(ctx context.Context, userID string, patch map[string]any) (bool, error) {
	if len(patch) == 0 {
		return false, nil
	}
	result := s.db.WithContext(ctx).
		Model(&userModel{}).
		Where("identifier = ? AND is_active = ?", userID, true).
		UpdateColumn("preferences", gorm.Expr("COALESCE(preferences, '{}'::jsonb) || ?::jsonb", marshalJSON(patch)))
	if result.Error != nil {
		return false, fmt.Errorf("failed to merge preferences: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// AppendFact adds a fact unless the user already has it. The row is locked
// for the read-modify-write so concurrent appends cannot drop each other.
func (s *Store) AppendFact(ctx context.Context, userID, fact string) (bool, error) {
	added := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user userModel
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("identifier = ? AND is_active = ?", userID, true).
			First(&user).Error; err != nil {
			return err
		}
		facts := unmarshalStrings(user.Facts)
		for _, f := range facts {
			if f == fact {
				return nil
			}
		}
		facts = append(facts, fact)
		added = true
		return tx.Model(&userModel{}).
			Where("id = ?", user.ID).
			UpdateColumn("facts", marshalJSON(facts)).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to append fact: %w", err)
	}
	return added, nil
}

// ListUsers pages active users by recent activity.
func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]memory.UserProfile, error) {
	if limit <= 0 {
		limit = 50
	}
	var users []userModel
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("last_active DESC").
		Limit(limit).
		Offset(offset).
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	profiles := make([]memory.UserProfile, 0, len(users))
	for _, u := range users {
		profiles = append(profiles, memory.UserProfile{
			UserID:      u.Identifier,
			Preferences: unmarshalMap(u.Preferences),
			Facts:       unmarshalStrings(u.Facts),
			CreatedAt:   u.CreatedAt,
			UpdatedAt:   u.UpdatedAt,
			LastActive:  u.LastActive,
		})
	}
	return profiles, nil
}

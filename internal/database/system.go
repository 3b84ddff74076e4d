package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/furnacehq/furnace/internal/memory"
)

// UpsertSystemEntry inserts or replaces a system entry by key, bumping the
// access counter on replacement like the stats the admin surface reads expect.
func (s *Store) UpsertSystemEntry(ctx context.Context, entry memory.SystemEntry) error {
	value, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("failed to encode entry value: %w", err)
	}
	now := time.Now()
	model := systemEntryModel{
		Key:       entry.Key,
		Value:     string(value),
		Kind:      string(entry.Kind),
		Priority:  string(entry.Priority),
		Tags:      marshalJSON(entry.Tags),
		ExpiresAt: entry.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]any{
				"value":         model.Value,
				"kind":          model.Kind,
				"priority":      model.Priority,
				"tags":          model.Tags,
				"expires_at":    model.ExpiresAt,
				"access_count":  gorm.Expr("system_entries.access_count + 1"),
				"updated_at":    now,
				"last_accessed": now,
			}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to upsert system entry: %w", err)
	}
	return nil
}

// GetSystemEntry returns the entry at key, bumping its access stats. Expired
// entries read as absent.
func (s *Store) GetSystemEntry(ctx context.Context, key string) (*memory.SystemEntry, error) {
	var model systemEntryModel
	err := s.db.WithContext(ctx).
		Where("key = ? AND (expires_at IS NULL OR expires_at > ?)", key, time.Now()).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query system entry: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Model(&systemEntryModel{}).
		Where("key = ?", key).
		Updates(map[string]any{
			"access_count":  gorm.Expr("access_count + 1"),
			"last_accessed": time.Now(),
		}).Error; err != nil {
		s.log.Warn("failed to bump entry access stats", "key", key, "error", err)
	}

	return entryFromModel(model)
}

// ListSystemEntries lists entries ordered by last update, optionally filtered
// by kind and excluding expired entries unless asked for.
func (s *Store) ListSystemEntries(ctx context.Context, kind memory.Kind, includeExpired bool) ([]memory.SystemEntry, error) {
	query := s.db.WithContext(ctx).Model(&systemEntryModel{})
	if kind != "" {
		query = query.Where("kind = ?", string(kind))
	}
	if !includeExpired {
		query = query.Where("expires_at IS NULL OR expires_at > ?", time.Now())
	}

	var models []systemEntryModel
	if err := query.Order("updated_at DESC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list system entries: %w", err)
	}

	entries := make([]memory.SystemEntry, 0, len(models))
	for _, m := range models {
		entry, err := entryFromModel(m)
		if err != nil {
			s.log.Warn("skipping unreadable system entry", "key", m.Key, "error", err)
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// DeleteSystemEntry removes an entry by key.
func (s *Store) DeleteSystemEntry(ctx context.Context, key string) (bool, error) {
	result := s.db.WithContext(ctx).Where("key = ?", key).Delete(&systemEntryModel{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to delete system entry: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func entryFromModel(model systemEntryModel) (*memory.SystemEntry, error) {
	var value memory.EntryValue
	if err := json.Unmarshal([]byte(model.Value), &value); err != nil {
		return nil, fmt.Errorf("failed to decode entry value: %w", err)
	}
	return &memory.SystemEntry{
		Key:          model.Key,
		Value:        value,
		Kind:         memory.Kind(model.Kind),
		Priority:     memory.Priority(model.Priority),
		Tags:         unmarshalStrings(model.Tags),
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
		ExpiresAt:    model.ExpiresAt,
		AccessCount:  model.AccessCount,
		LastAccessed: model.LastAccessed,
	}, nil
}

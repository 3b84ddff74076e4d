package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/furnacehq/furnace/internal/memory"
)

// Stats aggregates counts over the active rows.
func (s *Store) Stats(ctx context.Context) (*memory.Stats, error) {
	stats := &memory.Stats{ModelUsage: map[string]memory.ModelUsage{}}
	db := s.db.WithContext(ctx)

	if err := db.Model(&userModel{}).Where("is_active = ?", true).Count(&stats.TotalUsers).Error; err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	if err := db.Model(&conversationModel{}).Where("is_active = ?", true).Count(&stats.TotalConversations).Error; err != nil {
		return nil, fmt.Errorf("failed to count conversations: %w", err)
	}
	if err := db.Model(&messageModel{}).Count(&stats.TotalMessages).Error; err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	var totals struct {
		Tokens    int64
		AvgLength float64
	}
	if err := db.Model(&conversationModel{}).
		Where("is_active = ?", true).
		Select("COALESCE(SUM(total_tokens), 0) AS tokens, COALESCE(AVG(NULLIF(message_count, 0)), 0) AS avg_length").
		Scan(&totals).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate conversations: %w", err)
	}
	stats.TotalTokens = totals.Tokens
	stats.AvgConversationLength = totals.AvgLength

	stats.PopularTopics, _ = s.popularTopics(ctx, 10)

	var usage []struct {
		ModelUsed  string
		UsageCount int64
		AvgTokens  float64
	}
	if err := db.Model(&conversationModel{}).
		Where("is_active = ? AND model_used <> ''", true).
		Select("model_used, COUNT(*) AS usage_count, COALESCE(AVG(total_tokens), 0) AS avg_tokens").
		Group("model_used").
		Scan(&usage).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate model usage: %w", err)
	}
	for _, u := range usage {
		stats.ModelUsage[u.ModelUsed] = memory.ModelUsage{UsageCount: u.UsageCount, AvgTokens: u.AvgTokens}
	}

	return stats, nil
}

// popularTopics folds the per-conversation topic tags into a ranked list.
// Topics live in a jsonb column, so the fold happens in Go; the conversations
// table stays small relative to messages.
func (s *Store) popularTopics(ctx context.Context, limit int) ([]memory.TopicCount, error) {
	var rows []string
	if err := s.db.WithContext(ctx).
		Model(&conversationModel{}).
		Where("is_active = ? AND topics <> '[]'", true).
		Pluck("topics", &rows).Error; err != nil {
		return nil, err
	}

	counts := map[string]int64{}
	for _, raw := range rows {
		for _, topic := range unmarshalStrings(raw) {
			counts[topic]++
		}
	}

	ranked := make([]memory.TopicCount, 0, len(counts))
	for topic, count := range counts {
		ranked = append(ranked, memory.TopicCount{Topic: topic, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Topic < ranked[j].Topic
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// CleanupExpired deactivates conversations past their expiry and drops
// expired system entries. Returns the number of rows touched.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	now := time.Now()
	var total int64

	convs := s.db.WithContext(ctx).
		Model(&conversationModel{}).
		Where("is_active = ? AND expires_at IS NOT NULL AND expires_at <= ?", true, now).
		UpdateColumn("is_active", false)
	if convs.Error != nil {
		return 0, fmt.Errorf("failed to expire conversations: %w", convs.Error)
	}
	total += convs.RowsAffected

	entries := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&systemEntryModel{})
	if entries.Error != nil {
		return total, fmt.Errorf("failed to expire system entries: %w", entries.Error)
	}
	total += entries.RowsAffected

	if total > 0 {
		s.log.Info("cleaned up expired data", "rows", total)
	}
	return total, nil
}

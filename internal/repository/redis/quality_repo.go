package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"callbridge-backend/internal/database"
	"callbridge-backend/internal/domain"
)

const qualityTTL = 1 * time.Hour

// QualityRepository keeps the latest connection-quality sample per participant
type QualityRepository struct {
	client *database.RedisClient
}

// NewQualityRepository creates a new quality repository
func NewQualityRepository(client *database.RedisClient) *QualityRepository {
	return &QualityRepository{client: client}
}

func qualityKey(callID, userID uuid.UUID) string {
	return fmt.Sprintf("call:quality:%s:%s", callID, userID)
}

// Report stores the latest sample, replacing any previous one
func (r *QualityRepository) Report(ctx context.Context, callID, userID uuid.UUID, stats *domain.QualityStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal quality stats: %w", err)
	}
	if err := r.client.SafeSet(ctx, qualityKey(callID, userID), data, qualityTTL).Err(); err != nil {
		return fmt.Errorf("failed to store quality stats: %w", err)
	}
	return nil
}

// Latest returns the most recent sample for a participant, or nil when none
// was reported
func (r *QualityRepository) Latest(ctx context.Context, callID, userID uuid.UUID) (*domain.QualityStats, error) {
	data, err := r.client.SafeGet(ctx, qualityKey(callID, userID)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read quality stats: %w", err)
	}
	var stats domain.QualityStats
	if err := json.Unmarshal([]byte(data), &stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quality stats: %w", err)
	}
	return &stats, nil
}

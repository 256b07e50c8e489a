package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/internal/database"
	"callbridge-backend/pkg/logger"
)

const (
	// eventBusChannel is the pub/sub channel other services consume
	eventBusChannel = "call.events"

	callEventsPrefix = "call:events:"
	userEventsPrefix = "user:events:"

	// recentEventsLimit caps the per-call and per-user recent event lists
	recentEventsLimit = 100
	eventExpiry       = 24 * time.Hour
)

// RedisPublisher publishes call events over Redis pub/sub and keeps short
// recent-event lists per call and per user for late-joining consumers.
type RedisPublisher struct {
	client *database.RedisClient
}

// NewRedisPublisher creates a Redis-backed event publisher
func NewRedisPublisher(client *database.RedisClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish delivers the event best-effort. All failures are logged and
// swallowed; the triggering operation must never observe them.
func (p *RedisPublisher) Publish(ctx context.Context, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error("Failed to marshal call event",
			zap.String("event_type", string(event.Type)),
			zap.String("call_id", event.CallID.String()),
			zap.Error(err))
		return
	}

	if err := p.client.SafePublish(ctx, eventBusChannel, payload).Err(); err != nil {
		logger.Warn("Failed to publish call event",
			zap.String("event_type", string(event.Type)),
			zap.String("call_id", event.CallID.String()),
			zap.Error(err))
	}

	p.appendRecent(ctx, callEventsPrefix+event.CallID.String(), payload)
	if event.UserID != uuid.Nil {
		p.appendRecent(ctx, userEventsPrefix+event.UserID.String(), payload)
	}

	logger.Debug("Call event published",
		zap.String("event_type", string(event.Type)),
		zap.String("call_id", event.CallID.String()))
}

// RecentCallEvents returns up to limit recent events for a call, oldest first
func (p *RedisPublisher) RecentCallEvents(ctx context.Context, callID uuid.UUID, limit int) ([]*Event, error) {
	if limit <= 0 || limit > recentEventsLimit {
		limit = recentEventsLimit
	}

	raw, err := p.client.SafeLRange(ctx, callEventsPrefix+callID.String(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read call events: %w", err)
	}

	events := make([]*Event, 0, len(raw))
	for _, item := range raw {
		var event Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			logger.Warn("Failed to unmarshal stored call event",
				zap.String("call_id", callID.String()),
				zap.Error(err))
			continue
		}
		events = append(events, &event)
	}

	// Lists are LPUSHed, so reverse into chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (p *RedisPublisher) appendRecent(ctx context.Context, key string, payload []byte) {
	if err := p.client.SafeLPush(ctx, key, payload).Err(); err != nil {
		logger.Debug("Failed to store recent event", zap.String("key", key), zap.Error(err))
		return
	}
	p.client.SafeLTrim(ctx, key, 0, recentEventsLimit-1)
	p.client.SafeExpire(ctx, key, eventExpiry)
}

// Package events fans analysis progress out to Redis so that clients other
// than the one that started an analysis can follow it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
)

const (
	// DefaultHistoryLength caps the replay list per analysis.
	DefaultHistoryLength = 256
	// DefaultHistoryTTL is how long replay lists survive the last event.
	DefaultHistoryTTL = 24 * time.Hour
)

// RedisClient is the subset of redis.Cmdable the publisher uses.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

var _ RedisClient = (*redis.Client)(nil)

// ChannelName returns the pub/sub channel for an analysis.
func ChannelName(analysisID string) string {
	return fmt.Sprintf("forensics:analysis:%s:events", analysisID)
}

// HistoryKey returns the replay list key for an analysis.
func HistoryKey(analysisID string) string {
	return fmt.Sprintf("forensics:analysis:%s:history", analysisID)
}

// Config tunes the publisher.
type Config struct {
	HistoryLength int
	HistoryTTL    time.Duration
}

// RedisPublisher publishes each event on the analysis channel and appends it
// to a capped replay list.
type RedisPublisher struct {
	client RedisClient
	config Config
	logger *zap.Logger
}

// NewRedisPublisher creates a publisher.
func NewRedisPublisher(client RedisClient, config Config, logger *zap.Logger) *RedisPublisher {
	if config.HistoryLength <= 0 {
		config.HistoryLength = DefaultHistoryLength
	}
	if config.HistoryTTL <= 0 {
		config.HistoryTTL = DefaultHistoryTTL
	}
	return &RedisPublisher{
		client: client,
		config: config,
		logger: logger.Named("events"),
	}
}

// Publish stores and broadcasts one event.
func (p *RedisPublisher) Publish(ctx context.Context, event models.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}

	key := HistoryKey(event.AnalysisID)
	if err := p.client.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("failed to append progress history: %w", err)
	}
	if err := p.client.LTrim(ctx, key, int64(-p.config.HistoryLength), -1).Err(); err != nil {
		return fmt.Errorf("failed to trim progress history: %w", err)
	}
	if err := p.client.Expire(ctx, key, p.config.HistoryTTL).Err(); err != nil {
		return fmt.Errorf("failed to set progress history TTL: %w", err)
	}

	receivers, err := p.client.Publish(ctx, ChannelName(event.AnalysisID), payload).Result()
	if err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}

	p.logger.Debug("Published progress event",
		zap.String("analysis_id", event.AnalysisID),
		zap.String("event_type", string(event.EventType)),
		zap.Int64("receivers", receivers))
	return nil
}

// History returns the stored events of an analysis, oldest first. Data
// payloads come back as generic JSON values.
func (p *RedisPublisher) History(ctx context.Context, analysisID string) ([]models.ProgressEvent, error) {
	raw, err := p.client.LRange(ctx, HistoryKey(analysisID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read progress history: %w", err)
	}

	out := make([]models.ProgressEvent, 0, len(raw))
	for _, item := range raw {
		var event models.ProgressEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			p.logger.Warn("Skipping unreadable progress event",
				zap.String("analysis_id", analysisID),
				zap.Error(err))
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

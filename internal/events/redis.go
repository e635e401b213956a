package events

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultRedisChannel is the pub/sub channel events are published on.
	DefaultRedisChannel = "trafficweave:events"

	// DefaultRedisStream is the stream that keeps recent events for late readers.
	DefaultRedisStream = "trafficweave:events:stream"

	// DefaultStreamMaxLen caps the stream length.
	DefaultStreamMaxLen = 1000

	// Redis key holding the latest state of each intersection.
	stateHashKey = "trafficweave:intersections"
)

// RedisConfig holds configuration for a RedisPublisher.
type RedisConfig struct {
	// Channel is the pub/sub channel (default: DefaultRedisChannel).
	Channel string

	// Stream is the stream key; empty disables the stream.
	Stream string

	// StreamMaxLen caps the stream (default: DefaultStreamMaxLen).
	StreamMaxLen int64
}

// RedisPublisher publishes events on a Redis channel, appends them to a
// capped stream and keeps the latest state per intersection in a hash.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	stream  string
	maxLen  int64
	logger  *zap.Logger
}

// NewRedisPublisher creates a RedisPublisher.
func NewRedisPublisher(client redis.UniversalClient, cfg *RedisConfig, logger *zap.Logger) (*RedisPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg == nil {
		cfg = &RedisConfig{}
	}

	channel := cfg.Channel
	if channel == "" {
		channel = DefaultRedisChannel
	}
	maxLen := cfg.StreamMaxLen
	if maxLen == 0 {
		maxLen = DefaultStreamMaxLen
	}

	return &RedisPublisher{
		client:  client,
		channel: channel,
		stream:  cfg.Stream,
		maxLen:  maxLen,
		logger:  logger,
	}, nil
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, event *Event) error {
	err := p.publish(ctx, event)
	RecordEventPublished("redis", publishStatus(err))
	return err
}

func (p *RedisPublisher) publish(ctx context.Context, event *Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.channel, payload)
	if p.stream != "" {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"type":  string(event.Type),
				"event": string(payload),
			},
		})
	}
	if err := p.trackState(ctx, pipe, event); err != nil {
		return err
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish event to redis: %w", err)
	}

	p.logger.Debug("event published to redis",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("channel", p.channel),
	)
	return nil
}

// trackState queues the hash updates that mirror the intersection list.
func (p *RedisPublisher) trackState(ctx context.Context, pipe redis.Pipeliner, event *Event) error {
	switch event.Type {
	case EventIntersectionCreated, EventIntersectionUpdated:
		state, err := json.Marshal(event.Intersection)
		if err != nil {
			return fmt.Errorf("failed to marshal intersection state: %w", err)
		}
		pipe.HSet(ctx, stateHashKey, event.Intersection.ID, state)
	case EventIntersectionDeleted:
		pipe.HDel(ctx, stateHashKey, event.Intersection.ID)
	case EventIntersectionsReplaced:
		pipe.Del(ctx, stateHashKey)
		for _, in := range event.Intersections {
			state, err := json.Marshal(in)
			if err != nil {
				return fmt.Errorf("failed to marshal intersection state: %w", err)
			}
			pipe.HSet(ctx, stateHashKey, in.ID, state)
		}
	}
	return nil
}

// Close implements Publisher. The client is owned by the caller.
func (p *RedisPublisher) Close() error {
	return nil
}

package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultHistoryLength is the number of reports kept in the redis list.
const DefaultHistoryLength = 100

// RedisPublisher publishes cycle reports on a redis channel and keeps the
// latest ones in a capped list named "<channel>:history".
type RedisPublisher struct {
	client  *redis.Client
	channel string
	keep    int64
}

// NewRedisPublisher connects to the redis server at url.
func NewRedisPublisher(url, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisPublisher{
		client:  redis.NewClient(opts),
		channel: channel,
		keep:    DefaultHistoryLength,
	}, nil
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// HistoryKey returns the key of the report list.
func (p *RedisPublisher) HistoryKey() string {
	return p.channel + ":history"
}

// CycleFinished publishes the report.
func (p *RedisPublisher) CycleFinished(ctx context.Context, cycle *models.CycleReport) error {
	data, err := json.Marshal(cycle)
	if err != nil {
		return fmt.Errorf("marshal cycle report: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, data)
	pipe.LPush(ctx, p.HistoryKey(), data)
	pipe.LTrim(ctx, p.HistoryKey(), 0, p.keep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish cycle report: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

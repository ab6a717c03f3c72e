package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maneesh/filecatalog/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RedisClient caches file records by name with tracing
type RedisClient struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(addr, password string, db int, ttl time.Duration) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// GetRecord retrieves a cached file record by name with tracing.
// A cache miss returns (nil, nil).
func (rc *RedisClient) GetRecord(ctx context.Context, name string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "redis.get_record",
		trace.WithAttributes(
			attribute.String("file_name", name),
		),
	)
	defer span.End()

	key := fmt.Sprintf("file:%s", name)
	data, err := rc.client.Get(ctx, key).Result()

	if err == redis.Nil {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil // Cache miss, not an error
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var file models.FileRecord
	if err := json.Unmarshal([]byte(data), &file); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &file, nil
}

// SetRecord stores a file record in cache with tracing
func (rc *RedisClient) SetRecord(ctx context.Context, file *models.FileRecord) error {
	ctx, span := tracer.Start(ctx, "redis.set_record",
		trace.WithAttributes(
			attribute.String("file_name", file.Name),
		),
	)
	defer span.End()

	key := fmt.Sprintf("file:%s", file.Name)
	data, err := json.Marshal(file)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal file record: %w", err)
	}

	if err := rc.client.Set(ctx, key, data, rc.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	span.SetAttributes(attribute.Int64("ttl_seconds", int64(rc.ttl.Seconds())))
	return nil
}

// InvalidateRecord removes a file record from cache with tracing
func (rc *RedisClient) InvalidateRecord(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_record",
		trace.WithAttributes(
			attribute.String("file_name", name),
		),
	)
	defer span.End()

	key := fmt.Sprintf("file:%s", name)
	if err := rc.client.Del(ctx, key).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}

	return nil
}

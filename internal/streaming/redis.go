package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/AndreyAD1/telemetry-adapter/config"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// Redis stream entry fields
const (
	FieldPayload       = "payload"
	FieldPriorSequence = "prior_sequence"
)

// RedisStream appends events to one Redis stream per partition key. Entry IDs
// are strictly increasing within a stream and serve as ordering tokens.
type RedisStream struct {
	client *redis.Client
	maxLen int64
}

// NewRedisStream connects to Redis and verifies the connection
func NewRedisStream(cfg config.RedisConfig) (*RedisStream, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return NewRedisStreamFromClient(client, cfg.MaxLen), nil
}

// NewRedisStreamFromClient wraps an existing client. A positive maxLen caps
// each stream approximately.
func NewRedisStreamFromClient(client *redis.Client, maxLen int64) *RedisStream {
	return &RedisStream{client: client, maxLen: maxLen}
}

// StreamKey returns the Redis key holding a partition of a stream
func StreamKey(streamName, partitionKey string) string {
	return streamName + ":" + partitionKey
}

// Put appends payload to the partition's stream and returns the entry ID
func (r *RedisStream) Put(ctx context.Context, streamName string, payload []byte, partitionKey string, priorToken *string) (string, error) {
	prior := ""
	if priorToken != nil {
		prior = *priorToken
	}

	args := &redis.XAddArgs{
		Stream: StreamKey(streamName, partitionKey),
		ID:     "*",
		Values: map[string]interface{}{
			FieldPayload:       payload,
			FieldPriorSequence: prior,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", transportError(err, "XADD %s", args.Stream)
	}
	return id, nil
}

// Close closes the Redis connection
func (r *RedisStream) Close() error {
	return r.client.Close()
}

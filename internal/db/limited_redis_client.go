package db

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// LimitedRedisClient is the part of the go-redis client the adapter uses. The token pair
// lives in a single hash, so reading it, writing it and deleting it is all there is.
type LimitedRedisClient interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

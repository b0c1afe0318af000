package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MockRedisClient implements LimitedRedisClient in memory.
// Only suitable for testing and local development, contexts are ignored.
type MockRedisClient struct {
	lock  sync.Mutex
	store map[string]map[string]string
}

func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{store: map[string]map[string]string{}}
}

func NewMockRedisAdapter(options ...RedisAdapterOption) (*RedisAdapter, error) {
	return NewRedisAdapter(append([]RedisAdapterOption{WithRedisClient(NewMockRedisClient())}, options...)...)
}

func (m *MockRedisClient) HSet(_ context.Context, key string, values ...any) *redis.IntCmd {
	res := redis.IntCmd{}
	if len(values)%2 != 0 {
		res.SetErr(fmt.Errorf("number of provided values must be even"))
		return &res
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	hash, found := m.store[key]
	if !found {
		hash = map[string]string{}
		m.store[key] = hash
	}
	var added int64
	for i := 0; i < len(values); i += 2 {
		field := fmt.Sprint(values[i])
		if _, exists := hash[field]; !exists {
			added++
		}
		hash[field] = fmt.Sprint(values[i+1])
	}
	res.SetVal(added)
	return &res
}

func (m *MockRedisClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	m.lock.Lock()
	defer m.lock.Unlock()
	var deleted int64
	for _, k := range keys {
		if _, found := m.store[k]; found {
			deleted++
		}
		delete(m.store, k)
	}
	res := redis.IntCmd{}
	res.SetVal(deleted)
	return &res
}

func (m *MockRedisClient) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	m.lock.Lock()
	defer m.lock.Unlock()
	output := map[string]string{}
	for k, v := range m.store[key] {
		output[k] = v
	}
	res := redis.MapStringStringCmd{}
	res.SetVal(output)
	return &res
}

// Package db stores the token pair in redis.
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/config"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/models"
	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix string = "tokenrelay"

// Fields of the tokens hash, they match the field names of models.AuthTokenPair
const accessTokenField string = "AccessToken"
const refreshTokenField string = "RefreshToken"

// RedisAdapter keeps the token pair in the hash <prefix>:tokens. Both fields are written
// with one HSET and removed with one DEL, readers never see half of a pair.
type RedisAdapter struct {
	rdb       LimitedRedisClient
	encryptor models.Encryptor
	keyPrefix string
}

func (r RedisAdapter) tokensKey() string {
	return r.keyPrefix + ":tokens"
}

// GetTokens reads the stored pair, an empty pair is returned when nothing is stored
func (r RedisAdapter) GetTokens(ctx context.Context) (models.AuthTokenPair, error) {
	hash, err := r.rdb.HGetAll(ctx, r.tokensKey()).Result()
	if err != nil {
		return models.AuthTokenPair{}, err
	}
	// HGetAll returns an empty map if the key does not exist
	if len(hash) == 0 {
		return models.AuthTokenPair{}, nil
	}
	var stored models.AuthTokenPair
	err = mapstructure.Decode(hash, &stored)
	if err != nil {
		return models.AuthTokenPair{}, fmt.Errorf("cannot decode the tokens hash %s: %w", r.tokensKey(), err)
	}
	tokens, err := stored.Decrypt(r.encryptor)
	if err != nil {
		slog.Error("REDIS ADAPTER", "message", "decrypting the stored tokens failed", "key", r.tokensKey(), "error", err)
		return models.AuthTokenPair{}, err
	}
	return tokens, nil
}

func (r RedisAdapter) GetAccessToken(ctx context.Context) (string, error) {
	tokens, err := r.GetTokens(ctx)
	return tokens.AccessToken, err
}

func (r RedisAdapter) GetRefreshToken(ctx context.Context) (string, error) {
	tokens, err := r.GetTokens(ctx)
	return tokens.RefreshToken, err
}

func (r RedisAdapter) SaveTokens(ctx context.Context, tokens models.AuthTokenPair) error {
	encrypted, err := tokens.Encrypt(r.encryptor)
	if err != nil {
		return err
	}
	values := []any{}
	if encrypted.AccessToken != "" {
		values = append(values, accessTokenField, encrypted.AccessToken)
	}
	if encrypted.RefreshToken != "" {
		values = append(values, refreshTokenField, encrypted.RefreshToken)
	}
	// an empty value is stored as a missing field, the old field is removed with the hash
	if len(values) < 4 {
		err = r.rdb.Del(ctx, r.tokensKey()).Err()
		if err != nil || len(values) == 0 {
			return err
		}
	}
	return r.rdb.HSet(ctx, r.tokensKey(), values...).Err()
}

func (r RedisAdapter) ClearTokens(ctx context.Context) error {
	return r.rdb.Del(ctx, r.tokensKey()).Err()
}

// newRedisClient creates a single node or a sentinel backed client, or the in-memory mock
func newRedisClient(redisConfig config.RedisConfig) (LimitedRedisClient, error) {
	var tlsConfig *tls.Config
	if redisConfig.TLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	switch {
	case redisConfig.Type == config.DBTypeRedisMock:
		slog.Warn("REDIS ADAPTER", "message", "using the in-memory redis mock, tokens are lost on restart")
		return NewMockRedisClient(), nil
	case redisConfig.Type != config.DBTypeRedis:
		return nil, fmt.Errorf("unrecognized redis type %q", redisConfig.Type)
	case len(redisConfig.Addresses) == 0:
		return nil, fmt.Errorf("at least one redis address is required")
	case redisConfig.IsSentinel:
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       redisConfig.MasterName,
			SentinelAddrs:    redisConfig.Addresses,
			Password:         string(redisConfig.Password),
			SentinelPassword: string(redisConfig.Password),
			DB:               redisConfig.DBIndex,
			TLSConfig:        tlsConfig,
		}), nil
	default:
		return redis.NewClient(&redis.Options{
			Addr:      redisConfig.Addresses[0],
			Password:  string(redisConfig.Password),
			DB:        redisConfig.DBIndex,
			TLSConfig: tlsConfig,
		}), nil
	}
}

type RedisAdapterOption func(*RedisAdapter) error

// WithRedisConfig creates the client from the config and uses its key prefix if set
func WithRedisConfig(redisConfig config.RedisConfig) RedisAdapterOption {
	return func(r *RedisAdapter) error {
		client, err := newRedisClient(redisConfig)
		if err != nil {
			return err
		}
		r.rdb = client
		if redisConfig.KeyPrefix != "" {
			r.keyPrefix = redisConfig.KeyPrefix
		}
		return nil
	}
}

// WithRedisClient uses an already configured client
func WithRedisClient(client LimitedRedisClient) RedisAdapterOption {
	return func(r *RedisAdapter) error {
		r.rdb = client
		return nil
	}
}

func WithKeyPrefix(prefix string) RedisAdapterOption {
	return func(r *RedisAdapter) error {
		if prefix == "" {
			return fmt.Errorf("the redis key prefix cannot be empty")
		}
		r.keyPrefix = prefix
		return nil
	}
}

func WithEncryption(secretKey string) RedisAdapterOption {
	return func(r *RedisAdapter) error {
		encryptor, err := NewGCMEncryptor(secretKey)
		if err != nil {
			return err
		}
		r.encryptor = encryptor
		return nil
	}
}

func NewRedisAdapter(options ...RedisAdapterOption) (*RedisAdapter, error) {
	adapter := RedisAdapter{keyPrefix: defaultKeyPrefix}
	for _, opt := range options {
		err := opt(&adapter)
		if err != nil {
			return &RedisAdapter{}, err
		}
	}
	if adapter.rdb == nil {
		return &RedisAdapter{}, fmt.Errorf("redis client is not initialized")
	}
	return &adapter, nil
}

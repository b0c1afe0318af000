// Package tokenstore contains the backends that durably hold the current token pair.
package tokenstore

import (
	"fmt"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/config"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/db"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/models"
)

// NewTokensStorage creates the storage backend selected in the configuration
func NewTokensStorage(storageConfig config.StorageConfig, redisConfig config.RedisConfig) (models.TokensStorage, error) {
	var encryptor models.Encryptor
	if storageConfig.TokenEncryption.Enabled {
		enc, err := db.NewGCMEncryptor(string(storageConfig.TokenEncryption.SecretKey))
		if err != nil {
			return nil, err
		}
		encryptor = enc
	}
	switch storageConfig.Type {
	case config.StorageTypeMemory:
		return NewMemoryStore(models.AuthTokenPair{}), nil
	case config.StorageTypeFile, "":
		options := []FileStoreOption{WithFileEncryptor(encryptor)}
		if storageConfig.FilePath != "" {
			options = append(options, WithFilePath(storageConfig.FilePath))
		}
		return NewFileStore(options...)
	case config.StorageTypeRedis:
		options := []db.RedisAdapterOption{db.WithRedisConfig(redisConfig)}
		if storageConfig.TokenEncryption.Enabled {
			options = append(options, db.WithEncryption(string(storageConfig.TokenEncryption.SecretKey)))
		}
		return db.NewRedisAdapter(options...)
	case config.StorageTypeK8sSecret:
		return NewSecretStore(
			WithClusterConfig(storageConfig.SecretNamespace),
			WithSecretName(storageConfig.SecretName),
			WithSecretEncryptor(encryptor),
		)
	default:
		return nil, fmt.Errorf("unknown storage type %q", storageConfig.Type)
	}
}

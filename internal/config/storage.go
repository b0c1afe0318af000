package config

import "fmt"

const StorageTypeMemory string = "memory"
const StorageTypeFile string = "file"
const StorageTypeRedis string = "redis"
const StorageTypeK8sSecret string = "k8s-secret"

type TokenEncryptionConfig struct {
	Enabled   bool
	SecretKey RedactedString
}

type StorageConfig struct {
	Type            string
	FilePath        string
	SecretName      string
	SecretNamespace string
	TokenEncryption TokenEncryptionConfig
}

func (c StorageConfig) Validate(e RunningEnvironment) error {
	switch c.Type {
	case StorageTypeMemory:
		if e != Development {
			return fmt.Errorf("storage type cannot be \"memory\" in production")
		}
	case StorageTypeFile, StorageTypeRedis:
	case StorageTypeK8sSecret:
		if c.SecretName == "" {
			return fmt.Errorf("the k8s-secret storage is missing the secret name")
		}
	default:
		return fmt.Errorf("unknown storage type %q (must be one of memory, file, redis or k8s-secret)", c.Type)
	}
	if c.TokenEncryption.Enabled && len(c.TokenEncryption.SecretKey) != 32 {
		return fmt.Errorf(
			"token encryption key has to be 32 bytes long, the provided one is %d long",
			len(c.TokenEncryption.SecretKey),
		)
	}
	return nil
}

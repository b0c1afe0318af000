package config

import (
	"fmt"
	"strings"
)

const DBTypeRedis string = "redis"
const DBTypeRedisMock string = "redis-mock"

// RedisConfig is only used with the redis storage type
type RedisConfig struct {
	// Type is redis or redis-mock, the mock keeps everything in memory and is for development only
	Type string
	// Addresses lists the sentinels when IsSentinel is set, otherwise only the first one is used
	Addresses  []string
	IsSentinel bool
	MasterName string
	Password   RedactedString
	DBIndex    int
	// KeyPrefix namespaces the hash holding the tokens, relays sharing a redis need different prefixes
	KeyPrefix string
	TLS       bool
}

func (c RedisConfig) Validate(e RunningEnvironment) error {
	switch c.Type {
	case DBTypeRedisMock:
		if e != Development {
			return fmt.Errorf("redis type cannot be \"redis-mock\" in production")
		}
		return nil
	case DBTypeRedis:
	default:
		return fmt.Errorf("unknown redis type %q (must be one of redis or redis-mock)", c.Type)
	}
	if len(c.Addresses) == 0 {
		return fmt.Errorf("at least one redis address is required")
	}
	if c.IsSentinel && c.MasterName == "" {
		return fmt.Errorf("the redis master name is required when using sentinel")
	}
	if strings.Contains(c.KeyPrefix, " ") {
		return fmt.Errorf("the redis key prefix %q cannot contain spaces", c.KeyPrefix)
	}
	return nil
}

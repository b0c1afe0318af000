// Package config holds the configuration of the token relay and the handler that loads it
// from files and environment variables.
package config

import "fmt"

type RunningEnvironment string

const Development RunningEnvironment = "development"
const Production RunningEnvironment = "production"

type Config struct {
	RunningEnvironment RunningEnvironment
	DebugMode          bool
	Server             ServerConfig
	Upstream           UpstreamConfig
	Refresh            RefreshConfig
	Storage            StorageConfig
	Redis              RedisConfig
	Monitoring         MonitoringConfig
}

func (c *Config) Validate() error {
	if c.RunningEnvironment != Development && c.RunningEnvironment != Production {
		return fmt.Errorf("unknown running environment %q (must be one of development or production)", c.RunningEnvironment)
	}
	err := c.Server.Validate()
	if err != nil {
		return err
	}
	err = c.Upstream.Validate()
	if err != nil {
		return err
	}
	err = c.Refresh.Validate()
	if err != nil {
		return err
	}
	err = c.Storage.Validate(c.RunningEnvironment)
	if err != nil {
		return err
	}
	if c.Storage.Type == StorageTypeRedis {
		err = c.Redis.Validate(c.RunningEnvironment)
		if err != nil {
			return err
		}
	}
	return c.Monitoring.Validate()
}

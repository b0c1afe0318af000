package config

import "fmt"

type ServerConfig struct {
	Host        string
	Port        int
	RateLimits  RateLimits
	AllowOrigin []string
	// AdminKey protects the /admin routes, they are not registered when it is empty
	AdminKey RedactedString
}

type RateLimits struct {
	Enabled bool
	Rate    float64
	Burst   int
}

func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Port)
	}
	if c.RateLimits.Enabled && (c.RateLimits.Rate <= 0 || c.RateLimits.Burst <= 0) {
		return fmt.Errorf("rate limits are enabled but the rate (%v) or burst (%d) are not positive", c.RateLimits.Rate, c.RateLimits.Burst)
	}
	if c.AdminKey != "" && len(c.AdminKey) < 16 {
		return fmt.Errorf("the admin key has to be at least 16 characters long, the provided one is %d long", len(c.AdminKey))
	}
	return nil
}

package config

import (
	"fmt"
	"net/url"
)

type UpstreamConfig struct {
	URL *url.URL
	// RefreshStatusCodes are the response status codes that trigger a token refresh, defaults to 401 only
	RefreshStatusCodes []int
	// BearerHeader is the request header the access token is written to, defaults to Authorization
	BearerHeader string
}

func (c *UpstreamConfig) Validate() error {
	if c.URL == nil {
		return fmt.Errorf("the upstream config is missing the url to proxy requests to")
	}
	if c.URL.Scheme != "http" && c.URL.Scheme != "https" {
		return fmt.Errorf("the upstream url has an unsupported scheme %q", c.URL.Scheme)
	}
	for _, code := range c.RefreshStatusCodes {
		if code < 400 || code > 599 {
			return fmt.Errorf("refresh status code %d is not an error status code", code)
		}
	}
	return nil
}

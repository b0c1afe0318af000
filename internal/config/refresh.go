package config

import (
	"fmt"
	"net/url"
)

const RefreshTypeOAuth2 string = "oauth2"
const RefreshTypeOIDC string = "oidc"
const RefreshTypeJSON string = "json"

type RefreshConfig struct {
	Type         string
	TokenURL     *url.URL
	Issuer       string
	ClientID     string
	ClientSecret RedactedString
	Scopes       []string
	// TimeoutSeconds bounds every call to the token endpoint
	TimeoutSeconds int
	// KeepAliveMinutes triggers a refresh on a schedule, 0 disables it
	KeepAliveMinutes int
}

func (c *RefreshConfig) Validate() error {
	switch c.Type {
	case RefreshTypeOAuth2:
		if c.TokenURL == nil {
			return fmt.Errorf("the oauth2 refresh config is missing the token url")
		}
		if c.ClientID == "" {
			return fmt.Errorf("the oauth2 refresh config is missing the client id")
		}
	case RefreshTypeOIDC:
		if c.Issuer == "" {
			return fmt.Errorf("the oidc refresh config is missing the issuer")
		}
		if c.ClientID == "" {
			return fmt.Errorf("the oidc refresh config is missing the client id")
		}
	case RefreshTypeJSON:
		if c.TokenURL == nil {
			return fmt.Errorf("the json refresh config is missing the token url")
		}
	default:
		return fmt.Errorf("unknown refresh type %q (must be one of oauth2, oidc or json)", c.Type)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("invalid refresh timeout %d", c.TimeoutSeconds)
	}
	if c.KeepAliveMinutes < 0 {
		return fmt.Errorf("invalid keep alive interval %d", c.KeepAliveMinutes)
	}
	return nil
}

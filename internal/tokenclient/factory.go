package tokenclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/config"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/refresh"
)

const defaultTimeout time.Duration = 30 * time.Second

// NewRefreshFunc creates the token endpoint client selected in the configuration
func NewRefreshFunc(refreshConfig config.RefreshConfig) (refresh.RefreshFunc, error) {
	timeout := defaultTimeout
	if refreshConfig.TimeoutSeconds > 0 {
		timeout = time.Duration(refreshConfig.TimeoutSeconds) * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	switch refreshConfig.Type {
	case config.RefreshTypeOAuth2:
		if refreshConfig.TokenURL == nil {
			return nil, fmt.Errorf("the token url is not set")
		}
		client := NewOAuth2Client(
			refreshConfig.TokenURL.String(),
			refreshConfig.ClientID,
			string(refreshConfig.ClientSecret),
			refreshConfig.Scopes,
			httpClient,
		)
		return client.Refresh, nil
	case config.RefreshTypeOIDC:
		client, err := NewOIDCClient(
			refreshConfig.Issuer,
			refreshConfig.ClientID,
			string(refreshConfig.ClientSecret),
			refreshConfig.Scopes,
			httpClient,
		)
		if err != nil {
			return nil, err
		}
		return client.Refresh, nil
	case config.RefreshTypeJSON:
		if refreshConfig.TokenURL == nil {
			return nil, fmt.Errorf("the token url is not set")
		}
		return NewJSONClient(refreshConfig.TokenURL.String(), httpClient).Refresh, nil
	default:
		return nil, fmt.Errorf("unknown refresh type %q", refreshConfig.Type)
	}
}

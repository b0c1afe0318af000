// Package tokenclient exchanges refresh tokens for new token pairs at different kinds of token endpoints.
package tokenclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/models"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/relayerrors"
	"golang.org/x/oauth2"
)

// OAuth2Client uses the refresh_token grant of a plain oauth2 token endpoint
type OAuth2Client struct {
	config     oauth2.Config
	httpClient *http.Client
}

func NewOAuth2Client(tokenURL, clientID, clientSecret string, scopes []string, httpClient *http.Client) *OAuth2Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OAuth2Client{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       scopes,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		httpClient: httpClient,
	}
}

// Refresh can be used as a refresh.RefreshFunc. When the endpoint does not rotate the
// refresh token the old one is kept.
func (c *OAuth2Client) Refresh(ctx context.Context, refreshToken string) (models.AuthTokenPair, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return models.AuthTokenPair{}, err
	}
	return pairFromToken(token)
}

func pairFromToken(token *oauth2.Token) (models.AuthTokenPair, error) {
	if token.AccessToken == "" {
		return models.AuthTokenPair{}, fmt.Errorf("%w: the access token is missing", relayerrors.ErrInvalidTokenResponse)
	}
	return models.AuthTokenPair{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken}, nil
}

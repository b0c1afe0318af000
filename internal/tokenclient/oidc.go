package tokenclient

import (
	"context"
	"net/http"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/models"
	"github.com/zitadel/oidc/v2/pkg/client/rp"
)

// OIDCClient discovers the token endpoint from the issuer and refreshes through it
type OIDCClient struct {
	client rp.RelyingParty
}

func NewOIDCClient(issuer, clientID, clientSecret string, scopes []string, httpClient *http.Client) (*OIDCClient, error) {
	options := []rp.Option{}
	if httpClient != nil {
		options = append(options, rp.WithHTTPClient(httpClient))
	}
	client, err := rp.NewRelyingPartyOIDC(issuer, clientID, clientSecret, "", scopes, options...)
	if err != nil {
		return &OIDCClient{}, err
	}
	return &OIDCClient{client: client}, nil
}

func (c *OIDCClient) Refresh(_ context.Context, refreshToken string) (models.AuthTokenPair, error) {
	token, err := rp.RefreshAccessToken(c.client, refreshToken, "", "")
	if err != nil {
		return models.AuthTokenPair{}, err
	}
	tokens, err := pairFromToken(token)
	if err != nil {
		return models.AuthTokenPair{}, err
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

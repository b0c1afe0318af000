package tokenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/models"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/relayerrors"
)

type jsonRefreshRequest struct {
	Token string `json:"token"`
}

// JSONClient posts {"token": "<refresh token>"} and expects the new pair as
// {"accessToken": "...", "refreshToken": "..."}, the refresh token is kept when the response has none
type JSONClient struct {
	url        string
	httpClient *http.Client
}

func NewJSONClient(url string, httpClient *http.Client) *JSONClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &JSONClient{url: url, httpClient: httpClient}
}

func (c *JSONClient) Refresh(ctx context.Context, refreshToken string) (models.AuthTokenPair, error) {
	payload, err := json.Marshal(jsonRefreshRequest{Token: refreshToken})
	if err != nil {
		return models.AuthTokenPair{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return models.AuthTokenPair{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return models.AuthTokenPair{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return models.AuthTokenPair{}, err
	}
	if res.StatusCode != http.StatusOK {
		return models.AuthTokenPair{}, fmt.Errorf("the token endpoint responded with %d: %s", res.StatusCode, body)
	}
	var tokens models.AuthTokenPair
	err = json.Unmarshal(body, &tokens)
	if err != nil {
		return models.AuthTokenPair{}, fmt.Errorf("%w: %w", relayerrors.ErrInvalidTokenResponse, err)
	}
	if tokens.AccessToken == "" {
		return models.AuthTokenPair{}, fmt.Errorf("%w: the access token is missing", relayerrors.ErrInvalidTokenResponse)
	}
	// endpoints that do not rotate refresh tokens leave it out of the response
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

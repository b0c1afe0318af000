package tokenclient

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

const testSigningKey string = "token-endpoint-signing-key"

// testAuthServer mocks the token endpoints of an identity provider
type testAuthServer struct {
	// ValidRefreshToken is the only refresh token that is accepted
	ValidRefreshToken string
	// NextRefreshToken is handed out with every successful refresh, empty means no rotation
	NextRefreshToken string
	ClientID         string

	lock          sync.Mutex
	grants        []string
	refreshTokens []string
	jsonRequests  int
	server        *httptest.Server
}

func (t *testAuthServer) wktEndpoint(c echo.Context) error {
	type wkt struct {
		Issuer                string   `json:"issuer,omitempty"`
		AuthorizationEndpoint string   `json:"authorization_endpoint,omitempty"`
		TokenEndpoint         string   `json:"token_endpoint,omitempty"`
		JWKSUri               string   `json:"jwks_uri,omitempty"`
		ResponseTypesSup      []string `json:"response_types_supported,omitempty"`
		SubjectTypes          []string `json:"subject_types,omitempty"`
		IdTokenSignAlgs       []string `json:"id_token_signing_alg_values_supported,omitempty"`
	}
	res := wkt{
		Issuer:                t.URL(),
		AuthorizationEndpoint: t.URL() + "/authorize",
		TokenEndpoint:         t.URL() + "/token",
		JWKSUri:               t.URL() + "/jwks",
		ResponseTypesSup:      []string{"code"},
		SubjectTypes:          []string{"public"},
		IdTokenSignAlgs:       []string{"RS256"},
	}
	return c.JSON(http.StatusOK, res)
}

func (t *testAuthServer) getJWT() (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
		"aud": t.ClientID,
		"sub": "sub",
		"iss": t.URL(),
		"iat": time.Now().Unix(),
	})
	return token.SignedString([]byte(testSigningKey))
}

func (t *testAuthServer) record(grant, refreshToken string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.grants = append(t.grants, grant)
	t.refreshTokens = append(t.refreshTokens, refreshToken)
}

func (t *testAuthServer) receivedRefreshTokens() []string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]string{}, t.refreshTokens...)
}

func (t *testAuthServer) tokenEndpoint(c echo.Context) error {
	grant := c.FormValue("grant_type")
	refreshToken := c.FormValue("refresh_token")
	t.record(grant, refreshToken)
	if grant != "refresh_token" || refreshToken != t.ValidRefreshToken {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "the refresh token is not valid",
		})
	}
	accessToken, err := t.getJWT()
	if err != nil {
		return err
	}
	res := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if t.NextRefreshToken != "" {
		res["refresh_token"] = t.NextRefreshToken
	}
	return c.JSON(http.StatusOK, res)
}

// jsonEndpoint answers {"token": "..."} requests with {"accessToken": "...", "refreshToken": "..."}
func (t *testAuthServer) jsonEndpoint(c echo.Context) error {
	var req struct {
		Token string `json:"token"`
	}
	err := c.Bind(&req)
	if err != nil {
		return err
	}
	t.record("json", req.Token)
	if req.Token != t.ValidRefreshToken {
		return c.String(http.StatusUnauthorized, "invalid refresh token")
	}
	accessToken, err := t.getJWT()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"accessToken":  accessToken,
		"refreshToken": t.NextRefreshToken,
	})
}

func (t *testAuthServer) Start() {
	e := echo.New()
	e.GET("/.well-known/openid-configuration", t.wktEndpoint)
	e.POST("/token", t.tokenEndpoint)
	e.POST("/api/refresh", t.jsonEndpoint)
	e.POST("/api/broken", func(c echo.Context) error {
		return c.String(http.StatusOK, "not json")
	})
	e.POST("/api/empty", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"refreshToken": "R2"})
	})
	t.server = httptest.NewServer(e)
}

func (t *testAuthServer) URL() string {
	return t.server.URL
}

func (t *testAuthServer) Close() {
	t.server.Close()
}

// Package relay exposes an upstream API to clients that hold no credentials. Every proxied
// request goes through the token transport, which attaches the current access token and
// refreshes it when the upstream rejects it.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/config"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/models"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Coordinator is the part of the refresh coordinator the relay needs to serve proxied
// requests and the admin routes
type Coordinator interface {
	Name() string
	InFlight() bool
	AccessToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (string, error)
	SetTokens(ctx context.Context, tokens models.AuthTokenPair) error
	ClearTokens(ctx context.Context) error
	Refresh(ctx context.Context) (string, error)
}

type Relay struct {
	config      *config.UpstreamConfig
	adminKey    config.RedactedString
	coordinator Coordinator
	transport   http.RoundTripper
}

type RelayOption func(*Relay) error

func WithUpstreamConfig(c config.UpstreamConfig) RelayOption {
	return func(r *Relay) error {
		r.config = &c
		return nil
	}
}

// WithAdminKey enables the admin routes, requests to them have to carry the key
// in the X-Admin-Key header
func WithAdminKey(key config.RedactedString) RelayOption {
	return func(r *Relay) error {
		r.adminKey = key
		return nil
	}
}

func WithCoordinator(coordinator Coordinator) RelayOption {
	return func(r *Relay) error {
		r.coordinator = coordinator
		return nil
	}
}

// WithTransport sets the round tripper used to reach the upstream, normally a *transport.Transport
func WithTransport(transport http.RoundTripper) RelayOption {
	return func(r *Relay) error {
		r.transport = transport
		return nil
	}
}

func NewRelay(options ...RelayOption) (*Relay, error) {
	r := Relay{}
	for _, opt := range options {
		err := opt(&r)
		if err != nil {
			return &Relay{}, err
		}
	}
	if r.config == nil || r.config.URL == nil {
		return &Relay{}, fmt.Errorf("relay upstream is not initialized")
	}
	if r.coordinator == nil {
		return &Relay{}, fmt.Errorf("relay coordinator is not initialized")
	}
	if r.transport == nil {
		return &Relay{}, fmt.Errorf("relay transport is not initialized")
	}
	return &r, nil
}

// RegisterHandlers adds the admin routes (when an admin key is set) and proxies every
// other path to the upstream
func (r *Relay) RegisterHandlers(e *echo.Echo, commonMiddlewares ...echo.MiddlewareFunc) {
	if r.adminKey != "" {
		adminMiddlewares := append(append([]echo.MiddlewareFunc{}, commonMiddlewares...), adminKeyAuth(r.adminKey))
		admin := e.Group("/admin", adminMiddlewares...)
		admin.GET("/tokens", r.getTokensStatus)
		admin.PUT("/tokens", r.putTokens)
		admin.DELETE("/tokens", r.deleteTokens)
		admin.POST("/tokens/refresh", r.postRefresh)
	} else {
		slog.Info("RELAY", "message", "no admin key is configured, the admin routes are disabled")
	}

	upstream := r.proxy()
	proxyMiddlewares := append(append([]echo.MiddlewareFunc{}, commonMiddlewares...), setHost(r.config.URL.Host), refreshFailures, upstream)
	e.Any("/*", echo.NotFoundHandler, proxyMiddlewares...)
	slog.Info("RELAY", "message", "proxying requests", "upstream", r.config.URL.Redacted(), "coordinator", r.coordinator.Name())
}

// proxy forwards requests to the upstream through the token transport
func (r *Relay) proxy() echo.MiddlewareFunc {
	mwconfig := middleware.ProxyConfig{
		Balancer: middleware.NewRoundRobinBalancer([]*middleware.ProxyTarget{
			{
				Name: r.config.URL.String(),
				URL:  r.config.URL,
			}}),
		Transport: r.transport,
	}
	return middleware.ProxyWithConfig(mwconfig)
}

type tokensStatus struct {
	Name            string `json:"name"`
	RefreshInFlight bool   `json:"refreshInFlight"`
	HasAccessToken  bool   `json:"hasAccessToken"`
	HasRefreshToken bool   `json:"hasRefreshToken"`
}

func (r *Relay) getTokensStatus(c echo.Context) error {
	ctx := c.Request().Context()
	status := tokensStatus{Name: r.coordinator.Name(), RefreshInFlight: r.coordinator.InFlight()}
	// reading the access token would block until the refresh settles
	if !status.RefreshInFlight {
		accessToken, err := r.coordinator.AccessToken(ctx)
		if err != nil {
			return err
		}
		status.HasAccessToken = accessToken != ""
	}
	refreshToken, err := r.coordinator.RefreshToken(ctx)
	if err != nil {
		return err
	}
	status.HasRefreshToken = refreshToken != ""
	return c.JSON(http.StatusOK, status)
}

func (r *Relay) putTokens(c echo.Context) error {
	var tokens models.AuthTokenPair
	err := c.Bind(&tokens)
	if err != nil {
		return err
	}
	if !tokens.Complete() {
		return echo.NewHTTPError(http.StatusBadRequest, "both accessToken and refreshToken have to be set")
	}
	err = r.coordinator.SetTokens(c.Request().Context(), tokens)
	if err != nil {
		return err
	}
	slog.Info("RELAY", "message", "tokens replaced through the admin api", "requestID", requestID(c), "traceID", traceID(c))
	return c.NoContent(http.StatusNoContent)
}

func (r *Relay) deleteTokens(c echo.Context) error {
	err := r.coordinator.ClearTokens(c.Request().Context())
	if err != nil {
		return err
	}
	slog.Info("RELAY", "message", "tokens cleared through the admin api", "requestID", requestID(c), "traceID", traceID(c))
	return c.NoContent(http.StatusNoContent)
}

func (r *Relay) postRefresh(c echo.Context) error {
	_, err := r.coordinator.Refresh(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "refreshing the tokens failed").SetInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}

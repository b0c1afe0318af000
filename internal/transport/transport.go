// Package transport attaches the current access token to outgoing requests and retries
// requests that failed because the token expired.
package transport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/metrics"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/models"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/relayerrors"
)

// Coordinator provides access tokens and single-flight refreshes
type Coordinator interface {
	AccessToken(ctx context.Context) (string, error)
	RefreshExpired(ctx context.Context, expired string) (string, error)
}

// Metrics receives the outcome of every retry
type Metrics interface {
	RequestRetried(outcome string)
}

// ApplyAccessTokenFunc writes the access token to a request that is about to be sent
type ApplyAccessTokenFunc func(req *http.Request, token string)

// BearerToken sets "<header>: Bearer <token>", an empty token leaves the request untouched
func BearerToken(header string) ApplyAccessTokenFunc {
	return func(req *http.Request, token string) {
		if token == "" {
			return
		}
		req.Header.Set(header, "Bearer "+token)
	}
}

// Transport is an http.RoundTripper that authenticates requests sent through the base transport
type Transport struct {
	base             http.RoundTripper
	coordinator      Coordinator
	applyAccessToken ApplyAccessTokenFunc
	shouldRefresh    ShouldRefreshFunc
	metrics          Metrics
	idGenerator      models.IDGenerator
}

type Option func(*Transport) error

func WithBase(base http.RoundTripper) Option {
	return func(t *Transport) error {
		t.base = base
		return nil
	}
}

func WithCoordinator(coordinator Coordinator) Option {
	return func(t *Transport) error {
		t.coordinator = coordinator
		return nil
	}
}

func WithApplyAccessToken(apply ApplyAccessTokenFunc) Option {
	return func(t *Transport) error {
		t.applyAccessToken = apply
		return nil
	}
}

func WithShouldRefresh(shouldRefresh ShouldRefreshFunc) Option {
	return func(t *Transport) error {
		t.shouldRefresh = shouldRefresh
		return nil
	}
}

func WithMetrics(m Metrics) Option {
	return func(t *Transport) error {
		t.metrics = m
		return nil
	}
}

func NewTransport(options ...Option) (*Transport, error) {
	t := Transport{
		base:             http.DefaultTransport,
		applyAccessToken: BearerToken("Authorization"),
		shouldRefresh:    DefaultShouldRefresh,
		metrics:          metrics.Noop{},
		idGenerator:      models.ULIDGenerator{},
	}
	for _, opt := range options {
		err := opt(&t)
		if err != nil {
			return &Transport{}, err
		}
	}
	if t.coordinator == nil {
		return &Transport{}, relayerrors.ErrMissingCoordinator
	}
	if t.base == nil {
		t.base = http.DefaultTransport
	}
	return &t, nil
}

// Apply makes client authenticate its requests, the current client transport becomes the base
func Apply(client *http.Client, options ...Option) error {
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	t, err := NewTransport(append([]Option{WithBase(base)}, options...)...)
	if err != nil {
		return err
	}
	client.Transport = t
	return nil
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	id, err := t.idGenerator.ID()
	if err != nil {
		slog.Warn("TRANSPORT", "message", "cannot generate request ID", "error", err)
	}
	pending, err := capture(id, req)
	if err != nil {
		return nil, err
	}
	attempt, err := t.augment(ctx, pending)
	if err != nil {
		return nil, err
	}
	res, err := t.base.RoundTrip(attempt)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < http.StatusBadRequest {
		return res, nil
	}
	body, err := bufferBody(res)
	if err != nil {
		return nil, err
	}
	refresh, err := t.shouldRefresh(ctx, res)
	if err != nil {
		res.Body.Close()
		return nil, err
	}
	if !refresh {
		resetBody(res, body)
		return res, nil
	}
	pending.failedStatus = res.StatusCode
	res.Body.Close()
	return t.retry(ctx, pending)
}

// augment builds the request to send with the current access token attached.
// A failed refresh in flight aborts the request before it is sent.
func (t *Transport) augment(ctx context.Context, pending *pendingRequest) (*http.Request, error) {
	token, err := t.coordinator.AccessToken(ctx)
	if err != nil {
		slog.Debug("TRANSPORT", "message", "cannot get an access token, aborting request", "requestID", pending.id, "error", err)
		return nil, err
	}
	pending.token = token
	return t.withToken(pending, token)
}

func (t *Transport) withToken(pending *pendingRequest, token string) (*http.Request, error) {
	req, err := pending.build()
	if err != nil {
		return nil, err
	}
	t.applyAccessToken(req, token)
	return req, nil
}

// retry refreshes the tokens, unless a refresh already replaced the token the request was
// sent with, and sends the request once more. The response is returned whatever its status.
func (t *Transport) retry(ctx context.Context, pending *pendingRequest) (*http.Response, error) {
	slog.Debug(
		"TRANSPORT",
		"message",
		"request failed with an expired token, refreshing",
		"requestID",
		pending.id,
		"method",
		pending.method,
		"url",
		pending.url.Redacted(),
		"status",
		pending.failedStatus,
	)
	token, err := t.coordinator.RefreshExpired(ctx, pending.token)
	if err != nil {
		t.metrics.RequestRetried(metrics.RetryOutcomeRefreshFailed)
		return nil, &RefreshError{StatusCode: pending.failedStatus, Err: err}
	}
	pending.retries++
	attempt, err := t.withToken(pending, token)
	if err != nil {
		return nil, err
	}
	t.metrics.RequestRetried(metrics.RetryOutcomeSent)
	return t.base.RoundTrip(attempt)
}

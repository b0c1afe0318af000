// Package refresh coordinates token refreshes so that concurrent failures share a single
// call to the token endpoint.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/metrics"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/models"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/relayerrors"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/tokenstore"
	"github.com/google/uuid"
)

// RefreshFunc exchanges a refresh token for a new token pair
type RefreshFunc func(ctx context.Context, refreshToken string) (models.AuthTokenPair, error)

// Metrics receives the outcome of refresh cycles
type Metrics interface {
	RefreshStarted()
	RefreshJoined()
	RefreshSettled(success bool, duration time.Duration)
}

// refreshCycle is one refresh from start to settlement. token and err are written
// before done is closed and never after.
type refreshCycle struct {
	id      string
	started time.Time
	done    chan struct{}
	token   string
	err     error
}

func (c *refreshCycle) wait(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		return c.token, c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Coordinator owns the refresh state of one backend. It is the only writer of its tokens storage.
type Coordinator struct {
	name              string
	storage           models.TokensStorage
	refreshFunc       RefreshFunc
	onFailedToRefresh func(error)
	metrics           Metrics
	idGenerator       models.IDGenerator

	lock sync.Mutex
	// cycle is nil when no refresh is in flight
	cycle *refreshCycle
	// current is the access token written by the last cycle or SetTokens, empty when unknown
	current string
}

type CoordinatorOption func(*Coordinator) error

func WithTokensStorage(storage models.TokensStorage) CoordinatorOption {
	return func(c *Coordinator) error {
		c.storage = storage
		return nil
	}
}

func WithRefreshFunc(refreshFunc RefreshFunc) CoordinatorOption {
	return func(c *Coordinator) error {
		c.refreshFunc = refreshFunc
		return nil
	}
}

// WithFailureHandler registers a function that is called once for every failed refresh cycle
func WithFailureHandler(handler func(error)) CoordinatorOption {
	return func(c *Coordinator) error {
		c.onFailedToRefresh = handler
		return nil
	}
}

func WithMetrics(m Metrics) CoordinatorOption {
	return func(c *Coordinator) error {
		c.metrics = m
		return nil
	}
}

func WithName(name string) CoordinatorOption {
	return func(c *Coordinator) error {
		if name == "" {
			return fmt.Errorf("the coordinator name cannot be empty")
		}
		c.name = name
		return nil
	}
}

func NewCoordinator(options ...CoordinatorOption) (*Coordinator, error) {
	c := Coordinator{
		name:        uuid.NewString(),
		metrics:     metrics.Noop{},
		idGenerator: models.ULIDGenerator{},
	}
	for _, opt := range options {
		err := opt(&c)
		if err != nil {
			return &Coordinator{}, err
		}
	}
	if c.refreshFunc == nil {
		return &Coordinator{}, fmt.Errorf("refresh function is not initialized")
	}
	if c.storage == nil {
		store, err := tokenstore.NewFileStore()
		if err != nil {
			return &Coordinator{}, err
		}
		slog.Info("REFRESH COORDINATOR", "message", "using the default token file", "name", c.name, "path", store.Path())
		c.storage = store
	}
	return &c, nil
}

func (c *Coordinator) Name() string {
	return c.name
}

// InFlight reports whether a refresh cycle is currently running
func (c *Coordinator) InFlight() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.cycle != nil
}

// Refresh returns the access token produced by the current refresh cycle, starting one
// if none is in flight. All callers of one cycle get the same token or the same error.
// The cycle keeps running when ctx is cancelled, only the wait stops.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	return c.RefreshExpired(ctx, "")
}

// RefreshExpired is Refresh for a request that the upstream rejected while it carried
// expired. When a settled cycle already replaced expired the current token is returned
// and no new cycle is started. An empty expired always refreshes.
func (c *Coordinator) RefreshExpired(ctx context.Context, expired string) (string, error) {
	c.lock.Lock()
	cycle := c.cycle
	if cycle != nil {
		c.lock.Unlock()
		c.metrics.RefreshJoined()
		slog.Debug("REFRESH COORDINATOR", "message", "joining refresh in flight", "name", c.name, "cycleID", cycle.id)
		return cycle.wait(ctx)
	}
	if expired != "" && c.current != "" && c.current != expired {
		current := c.current
		c.lock.Unlock()
		slog.Debug("REFRESH COORDINATOR", "message", "the expired token was already replaced", "name", c.name)
		return current, nil
	}
	cycle = c.newCycle()
	c.cycle = cycle
	c.lock.Unlock()
	c.metrics.RefreshStarted()
	slog.Info("REFRESH COORDINATOR", "message", "starting refresh", "name", c.name, "cycleID", cycle.id)
	go c.drive(context.WithoutCancel(ctx), cycle)
	return cycle.wait(ctx)
}

func (c *Coordinator) newCycle() *refreshCycle {
	id, err := c.idGenerator.ID()
	if err != nil {
		slog.Warn("REFRESH COORDINATOR", "message", "cannot generate cycle ID", "error", err)
	}
	return &refreshCycle{id: id, started: time.Now(), done: make(chan struct{})}
}

// AccessToken returns the token to attach to an outgoing request. While a refresh is in
// flight it waits for the outcome instead of reading the storage.
func (c *Coordinator) AccessToken(ctx context.Context) (string, error) {
	c.lock.Lock()
	cycle := c.cycle
	c.lock.Unlock()
	if cycle != nil {
		slog.Debug("REFRESH COORDINATOR", "message", "waiting for refresh in flight", "name", c.name, "cycleID", cycle.id)
		return cycle.wait(ctx)
	}
	return c.storage.GetAccessToken(ctx)
}

// RefreshToken reads the refresh token from the storage
func (c *Coordinator) RefreshToken(ctx context.Context) (string, error) {
	return c.storage.GetRefreshToken(ctx)
}

// SetTokens replaces the stored pair once no refresh is in flight, both tokens have to be set
func (c *Coordinator) SetTokens(ctx context.Context, tokens models.AuthTokenPair) error {
	if !tokens.Complete() {
		return relayerrors.ErrIncompleteTokens
	}
	return c.whenIdle(ctx, func() error {
		c.current = ""
		err := c.storage.SaveTokens(ctx, tokens)
		if err != nil {
			return err
		}
		c.current = tokens.AccessToken
		return nil
	})
}

// ClearTokens removes the stored pair once no refresh is in flight
func (c *Coordinator) ClearTokens(ctx context.Context) error {
	return c.whenIdle(ctx, func() error {
		c.current = ""
		return c.storage.ClearTokens(ctx)
	})
}

// whenIdle runs fn while holding the lock and no cycle is in flight, so it cannot
// interleave with the writes of a driver
func (c *Coordinator) whenIdle(ctx context.Context, fn func() error) error {
	for {
		c.lock.Lock()
		cycle := c.cycle
		if cycle == nil {
			defer c.lock.Unlock()
			return fn()
		}
		c.lock.Unlock()
		select {
		case <-cycle.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) drive(ctx context.Context, cycle *refreshCycle) {
	token, err := c.runCycle(ctx, cycle)
	if err != nil {
		err = fmt.Errorf("%w: %w", relayerrors.ErrRefreshFailed, err)
		clearErr := c.storage.ClearTokens(ctx)
		if clearErr != nil {
			slog.Error("REFRESH COORDINATOR", "message", "clearing the tokens after a failed refresh failed", "name", c.name, "cycleID", cycle.id, "error", clearErr)
		}
	}
	c.settle(cycle, token, err)
	duration := time.Since(cycle.started)
	c.metrics.RefreshSettled(err == nil, duration)
	if err != nil {
		slog.Error("REFRESH COORDINATOR", "message", "refresh failed", "name", c.name, "cycleID", cycle.id, "duration", duration, "error", err)
		if c.onFailedToRefresh != nil {
			c.onFailedToRefresh(err)
		}
		return
	}
	slog.Info("REFRESH COORDINATOR", "message", "refresh succeeded", "name", c.name, "cycleID", cycle.id, "duration", duration)
}

func (c *Coordinator) runCycle(ctx context.Context, cycle *refreshCycle) (token string, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("REFRESH COORDINATOR", "message", "refresh function panicked", "name", c.name, "cycleID", cycle.id, "panic", r)
			token = ""
			err = fmt.Errorf("refresh function panicked: %v", r)
		}
	}()
	refreshToken, err := c.storage.GetRefreshToken(ctx)
	if err != nil {
		return "", err
	}
	if refreshToken == "" {
		return "", relayerrors.ErrMissingRefreshToken
	}
	tokens, err := c.refreshFunc(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	if !tokens.Complete() {
		return "", relayerrors.ErrIncompleteTokens
	}
	err = c.storage.SaveTokens(ctx, tokens)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

// settle returns the coordinator to idle before releasing the waiters so that a waiter
// which triggers again starts a new cycle
func (c *Coordinator) settle(cycle *refreshCycle, token string, err error) {
	c.lock.Lock()
	if c.cycle == cycle {
		c.cycle = nil
	}
	c.current = token
	cycle.token = token
	cycle.err = err
	c.lock.Unlock()
	close(cycle.done)
}

// Package tokenrefresher refreshes the relay tokens on a schedule so they do not lapse while the relay is idle.
package tokenrefresher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// RefresherCoordinator is the part of the refresh coordinator used by the refresher
type RefresherCoordinator interface {
	RefreshToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

type TokenRefresher struct {
	IntervalMinutes int

	coordinator RefresherCoordinator
}

func (tr *TokenRefresher) GetScheduler() (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(time.UTC)

	keepAliveTask := func(job gocron.Job) {
		err := tr.keepAlive(job.Context())
		if err != nil {
			slog.Error("TOKEN REFRESHER", "message", "keepAlive failed", "error", err)
		}
	}

	_, err := s.Every(tr.IntervalMinutes).
		Minutes().
		WaitForSchedule().
		DoWithJobDetails(keepAliveTask)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// keepAlive goes through the same single-flight path as the requests, so a tick that
// happens during a refresh just joins it
func (tr *TokenRefresher) keepAlive(ctx context.Context) error {
	refreshToken, err := tr.coordinator.RefreshToken(ctx)
	if err != nil {
		slog.Error("TOKEN REFRESHER", "message", "RefreshToken failed", "error", err)
		return err
	}
	if refreshToken == "" {
		slog.Debug("TOKEN REFRESHER", "message", "no refresh token stored, skipping")
		return nil
	}
	_, err = tr.coordinator.Refresh(ctx)
	if err != nil {
		return err
	}
	slog.Info("TOKEN REFRESHER", "message", "tokens refreshed on schedule")
	return nil
}

type TokenRefresherOption func(*TokenRefresher) error

func WithIntervalMinutes(intervalMinutes int) TokenRefresherOption {
	return func(tr *TokenRefresher) error {
		tr.IntervalMinutes = intervalMinutes
		return nil
	}
}

func WithCoordinator(coordinator RefresherCoordinator) TokenRefresherOption {
	return func(tr *TokenRefresher) error {
		tr.coordinator = coordinator
		return nil
	}
}

// NewTokenRefresher creates a new TokenRefresher that refreshes the tokens every IntervalMinutes.
func NewTokenRefresher(options ...TokenRefresherOption) (TokenRefresher, error) {
	tr := TokenRefresher{}
	for _, opt := range options {
		err := opt(&tr)
		if err != nil {
			return TokenRefresher{}, err
		}
	}
	if tr.IntervalMinutes <= 0 {
		return TokenRefresher{}, fmt.Errorf("invalid value for IntervalMinutes (%d)", tr.IntervalMinutes)
	}
	if tr.coordinator == nil {
		return TokenRefresher{}, fmt.Errorf("refresh coordinator not initialized")
	}
	return tr, nil
}

// Package audit reads authentication events from the host's security log.
package audit

import (
	"context"
	"errors"
	"time"

	"rdpguard/internal/domain"
)

var (
	// ErrPermission reports that the security log cannot be read without elevation.
	ErrPermission = errors.New("audit: insufficient privilege to read security log")
	// ErrUnavailable reports that the log reader could not run.
	ErrUnavailable = errors.New("audit: event log unavailable")
)

// Source yields the login attempts recorded within lookback of now. An empty
// result with a nil error means nothing was recorded.
type Source interface {
	Query(ctx context.Context, lookback time.Duration) ([]domain.LoginAttempt, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, lookback time.Duration) ([]domain.LoginAttempt, error)

func (f SourceFunc) Query(ctx context.Context, lookback time.Duration) ([]domain.LoginAttempt, error) {
	return f(ctx, lookback)
}

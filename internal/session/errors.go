package session

import (
	"context"
	"errors"
	"fmt"

	"storefront/pkg/domain"
)

var (
	// ErrInvalidCredentials indicates the auth service rejected the email/password.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrUnavailable indicates the auth service could not be reached or answered unusably.
	ErrUnavailable = errors.New("auth service unavailable")
	// ErrTooManyAttempts indicates the login was throttled before reaching the auth service.
	ErrTooManyAttempts = errors.New("too many login attempts")
	// ErrNotAuthenticated indicates an operation that needs a session ran without one.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrRefreshInProgress indicates a refresh is already in flight.
	ErrRefreshInProgress = errors.New("refresh already in progress")
	// ErrSessionEnded indicates the session ended or changed while a refresh was in flight.
	ErrSessionEnded = errors.New("session ended during refresh")
)

func classifyLoginError(err error) error {
	switch {
	case errors.Is(err, domain.ErrRejected):
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// UserMessage maps a login failure to the text shown to the shopper.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid email or password"
	case errors.Is(err, ErrTooManyAttempts):
		return "Too many login attempts. Please wait a minute and try again."
	case errors.Is(err, ErrUnavailable):
		return "Login failed: An error occurred. Please try again later."
	default:
		return "Login failed: An unknown error occurred."
	}
}

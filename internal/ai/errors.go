package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCancelled marks a call that stopped because its context was cancelled.
	ErrCancelled = errors.New("ai: request cancelled")
	// ErrIdleTimeout is the cancel cause used when a stream stops producing tokens.
	ErrIdleTimeout = errors.New("ai: stream idle timeout")
	// ErrProviderConfig is returned by a factory whose credentials are missing.
	ErrProviderConfig = errors.New("ai: provider not configured")
)

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Code, e.Body)
}

// IsModelNotFound reports whether err means the candidate model is not available (404).
func IsModelNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// cancelled tags err with ErrCancelled when ctx is done, so callers can tell a
// dropped caller from a failing upstream without inspecting error text.
func cancelled(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, ErrCancelled) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return err
}

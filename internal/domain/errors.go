package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels). Handlers map these onto HTTP statuses; workers
// record them as failure causes. Wrap with fmt.Errorf("op=…: %w", err).
var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrPrincipalMismatch = errors.New("principal mismatch")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrTerminalState     = errors.New("terminal state")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrRateLimited       = errors.New("rate limited")
	ErrActiveJobExists   = errors.New("active job exists")
	ErrScannerReject     = errors.New("scanner reject")
	ErrTransport         = errors.New("transport failure")
	ErrStorage           = errors.New("storage failure")
)

// RateLimitError carries the retry-after hint mandated for quota-rate
// rejections. It unwraps to ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterOf extracts the retry-after hint from an error chain, or zero.
func RetryAfterOf(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

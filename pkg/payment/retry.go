package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"
)

// GatewayError is a failed outbound call. Body is the raw provider response; it is logged
// and never shown to users.
type GatewayError struct {
	Op         string
	StatusCode int // 0 for transport failures
	Body       string
	Temporary  bool
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: gateway returned %d", e.Op, e.StatusCode)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: transport failures, timeouts, 5xx
// and 429.
func IsTransient(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Temporary
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

func statusTemporary(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// RetryPolicy retries transient failures with exponential backoff: BaseDelay × 2^attempt
// between attempts.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	// Sleep is replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond}
}

func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		delay := p.BaseDelay * time.Duration(1<<attempt)
		log.Printf("[Gateway] %s attempt %d/%d failed: %v; retrying in %s", op, attempt+1, attempts, err, delay)
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, attempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package capability abstracts the opaque generation services behind the
// pipeline: text understanding, segmentation hints, script generation and
// image synthesis. The pipeline never interprets capability payloads; it
// only moves them between stages.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

// Request asks one capability kind for work. Inputs carry the entire
// contract of the call.
type Request struct {
	Kind   domain.CapabilityKind
	Inputs domain.Metadata
}

// Result is the capability's decoded response object.
type Result struct {
	Outputs domain.Metadata
}

// Invoker performs one capability call.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Error describes a failed capability call. Transient failures may succeed
// on retry; anything else means the capability rejected the request for
// good.
type Error struct {
	Kind       domain.CapabilityKind
	StatusCode int
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("capability %s returned status %d: %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("capability %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var capErr *Error
	if errors.As(err, &capErr) {
		return capErr.Transient
	}
	return false
}

// Retrying wraps next with the retry budget of policy. Only transient
// failures burn retry attempts; permanent rejections and context
// cancellation surface immediately.
func Retrying(next Invoker, policy domain.RetryPolicy) Invoker {
	return &retrying{next: next, policy: policy}
}

type retrying struct {
	next   Invoker
	policy domain.RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

func (r *retrying) Invoke(ctx context.Context, req Request) (Result, error) {
	maxAttempts := r.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := r.next.Invoke(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == maxAttempts {
			break
		}
		if err := r.wait(ctx, r.policy.Delay(attempt)); err != nil {
			return Result{}, err
		}
	}
	return Result{}, lastErr
}

func (r *retrying) wait(ctx context.Context, d time.Duration) error {
	if r.sleep != nil {
		return r.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

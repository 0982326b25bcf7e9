package capability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

func TestHTTPInvokerRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("expected json content type, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"artifact_ref":"runs/run-1/segments/0/cand-1.png"}`))
	}))
	defer server.Close()

	invoker, err := NewHTTPInvoker(map[domain.CapabilityKind]string{
		domain.CapabilityImageSynthesis: server.URL,
	}, server.Client(), time.Second)
	if err != nil {
		t.Fatalf("new invoker: %v", err)
	}

	result, err := invoker.Invoke(context.Background(), Request{
		Kind:   domain.CapabilityImageSynthesis,
		Inputs: domain.Metadata{"segment_text": "hello"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	ref, _ := result.Outputs.String("artifact_ref")
	if ref != "runs/run-1/segments/0/cand-1.png" {
		t.Fatalf("unexpected outputs: %v", result.Outputs)
	}
}

func TestHTTPInvokerClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
	}{
		{name: "bad request is permanent", status: http.StatusBadRequest, transient: false},
		{name: "unprocessable is permanent", status: http.StatusUnprocessableEntity, transient: false},
		{name: "too many requests is transient", status: http.StatusTooManyRequests, transient: true},
		{name: "bad gateway is transient", status: http.StatusBadGateway, transient: true},
		{name: "internal error is transient", status: http.StatusInternalServerError, transient: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer server.Close()

			invoker, err := NewHTTPInvoker(map[domain.CapabilityKind]string{
				domain.CapabilityScriptGeneration: server.URL,
			}, server.Client(), time.Second)
			if err != nil {
				t.Fatalf("new invoker: %v", err)
			}
			_, err = invoker.Invoke(context.Background(), Request{Kind: domain.CapabilityScriptGeneration})
			if err == nil {
				t.Fatalf("expected error for status %d", tc.status)
			}
			if got := IsTransient(err); got != tc.transient {
				t.Fatalf("got=%v, want %v for status %d", got, tc.transient, tc.status)
			}
			var capErr *Error
			if !errors.As(err, &capErr) || capErr.StatusCode != tc.status {
				t.Fatalf("expected typed error carrying status %d, got %v", tc.status, err)
			}
		})
	}
}

func TestHTTPInvokerRejectsUnmappedKind(t *testing.T) {
	invoker, err := NewHTTPInvoker(map[domain.CapabilityKind]string{
		domain.CapabilityImageSynthesis: "http://capability.local/synthesize",
	}, nil, time.Second)
	if err != nil {
		t.Fatalf("new invoker: %v", err)
	}
	_, err = invoker.Invoke(context.Background(), Request{Kind: domain.CapabilityTextUnderstanding})
	if err == nil {
		t.Fatalf("expected error for unmapped kind")
	}
	if IsTransient(err) {
		t.Fatalf("missing endpoint must not be retried")
	}
}

func TestRetryingStopsOnPermanentError(t *testing.T) {
	stub := &countingInvoker{err: &Error{Kind: domain.CapabilityImageSynthesis, StatusCode: 400, Err: errors.New("bad prompt")}}
	wrapped := &retrying{
		next:   stub,
		policy: domain.RetryPolicy{MaxAttempts: 4},
		sleep:  func(context.Context, time.Duration) error { return nil },
	}

	_, err := wrapped.Invoke(context.Background(), Request{Kind: domain.CapabilityImageSynthesis})
	if err == nil {
		t.Fatalf("expected error")
	}
	if stub.calls != 1 {
		t.Fatalf("permanent error must not retry, got %d calls", stub.calls)
	}
}

func TestRetryingRecoversFromTransientError(t *testing.T) {
	stub := &countingInvoker{
		err:          &Error{Kind: domain.CapabilityImageSynthesis, StatusCode: 503, Transient: true, Err: errors.New("warming up")},
		succeedAfter: 3,
	}
	wrapped := &retrying{
		next:   stub,
		policy: domain.RetryPolicy{MaxAttempts: 4},
		sleep:  func(context.Context, time.Duration) error { return nil },
	}

	result, err := wrapped.Invoke(context.Background(), Request{Kind: domain.CapabilityImageSynthesis})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if stub.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", stub.calls)
	}
	if _, ok := result.Outputs.String("ok"); !ok {
		t.Fatalf("expected stub result, got %v", result.Outputs)
	}
}

func TestRetryingExhaustsBudget(t *testing.T) {
	stub := &countingInvoker{err: &Error{Kind: domain.CapabilityImageSynthesis, StatusCode: 502, Transient: true, Err: errors.New("down")}}
	wrapped := &retrying{
		next:   stub,
		policy: domain.RetryPolicy{MaxAttempts: 3},
		sleep:  func(context.Context, time.Duration) error { return nil },
	}

	_, err := wrapped.Invoke(context.Background(), Request{Kind: domain.CapabilityImageSynthesis})
	if err == nil {
		t.Fatalf("expected exhausted budget to fail")
	}
	if stub.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", stub.calls)
	}
	if !IsTransient(err) {
		t.Fatalf("surfaced error should keep its transient classification")
	}
}

type countingInvoker struct {
	calls        int
	succeedAfter int
	err          error
}

func (c *countingInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	c.calls++
	if c.succeedAfter > 0 && c.calls >= c.succeedAfter {
		return Result{Outputs: domain.Metadata{"ok": "yes"}}, nil
	}
	return Result{}, c.err
}

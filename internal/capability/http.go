package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

const maxResponseBytes = 1 << 20

// HTTPInvoker posts capability requests as JSON to one endpoint per kind.
// Responses must be a single JSON object; artifact payloads travel by
// reference, never inline.
type HTTPInvoker struct {
	endpoints map[domain.CapabilityKind]string
	client    *http.Client
	timeout   time.Duration
}

// NewHTTPInvoker builds an invoker over the kind→URL map. A nil client
// falls back to http.DefaultClient; timeout bounds each call on top of the
// caller's context.
func NewHTTPInvoker(endpoints map[domain.CapabilityKind]string, client *http.Client, timeout time.Duration) (*HTTPInvoker, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one capability endpoint is required")
	}
	cleaned := make(map[domain.CapabilityKind]string, len(endpoints))
	for kind, endpoint := range endpoints {
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown capability kind %q", kind)
		}
		endpoint = strings.TrimSpace(endpoint)
		if endpoint == "" {
			return nil, fmt.Errorf("capability %s has an empty endpoint", kind)
		}
		cleaned[kind] = endpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPInvoker{endpoints: cleaned, client: client, timeout: timeout}, nil
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	if h == nil {
		return Result{}, fmt.Errorf("http invoker not initialized")
	}
	endpoint, ok := h.endpoints[req.Kind]
	if !ok {
		return Result{}, &Error{Kind: req.Kind, Err: fmt.Errorf("no endpoint configured")}
	}

	inputs := req.Inputs
	if inputs == nil {
		inputs = domain.Metadata{}
	}
	body, err := json.Marshal(inputs)
	if err != nil {
		return Result{}, &Error{Kind: req.Kind, Err: fmt.Errorf("encode inputs: %w", err)}
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Kind: req.Kind, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Result{}, &Error{Kind: req.Kind, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, &Error{Kind: req.Kind, Transient: true, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &Error{
			Kind:       req.Kind,
			StatusCode: resp.StatusCode,
			Transient:  retryableStatus(resp.StatusCode),
			Err:        fmt.Errorf("%s", strings.TrimSpace(firstLine(payload))),
		}
	}

	outputs := domain.Metadata{}
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &outputs); err != nil {
			return Result{}, &Error{Kind: req.Kind, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return Result{Outputs: outputs}, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	default:
		return code >= 500
	}
}

func firstLine(payload []byte) string {
	line := string(payload)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}

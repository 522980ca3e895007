// ABOUTME: Invoker abstracts how a registered tool is actually executed.
// ABOUTME: HTTPInvoker posts arguments to the tool's invocation target.

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opal-labs/opal-gateway/internal/registry"
)

// Invoker executes a tool definition against its backing implementation.
type Invoker interface {
	Invoke(ctx context.Context, tool *registry.Tool, args json.RawMessage) (json.RawMessage, error)
}

// maxInvokeResponse caps how much of a tool's response body is read.
const maxInvokeResponse = 4 << 20

// HTTPInvoker calls tools whose invocation target is an HTTP endpoint.
// Arguments are sent as the JSON body; the response body is returned
// verbatim as the tool output.
type HTTPInvoker struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPInvoker builds an invoker with the given per-call timeout.
func NewHTTPInvoker(timeout time.Duration, logger *slog.Logger) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPInvoker{
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "invoker"),
	}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, tool *registry.Tool, args json.RawMessage) (json.RawMessage, error) {
	method := tool.InvocationMethod
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(args) > 0 {
		body = bytes.NewReader(args)
	}
	req, err := http.NewRequestWithContext(ctx, method, tool.InvocationTarget, body)
	if err != nil {
		return nil, fmt.Errorf("building request for tool %q: %w", tool.Key, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoking tool %q: %w", tool.Key, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxInvokeResponse))
	if err != nil {
		return nil, fmt.Errorf("reading tool %q response: %w", tool.Key, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.logger.Warn("tool returned non-success status",
			"tool", tool.Key,
			"status", resp.StatusCode,
		)
		return nil, fmt.Errorf("tool %q returned status %d", tool.Key, resp.StatusCode)
	}

	if !json.Valid(out) {
		// Non-JSON outputs are wrapped so the result stays a valid value.
		wrapped, err := json.Marshal(map[string]string{"text": string(out)})
		if err != nil {
			return nil, fmt.Errorf("wrapping tool %q output: %w", tool.Key, err)
		}
		return wrapped, nil
	}
	return out, nil
}

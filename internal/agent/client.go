package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/driftbyte/agent-gateway/internal/config"
)

// maxErrorBodyBytes caps how much of a non-200 upstream body is quoted in
// the error detail.
const maxErrorBodyBytes = 2048

// Message is one conversation turn sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body of the upstream streaming POST.
type Request struct {
	Messages     []Message          `json:"messages"`
	Stream       bool               `json:"stream"`
	MetaInfo     string             `json:"meta_info"`
	UserID       string             `json:"user_id"`
	MCPServers   []config.MCPServer `json:"mcp_servers"`
	EnabledTools map[string]bool    `json:"enabled_tools"`
	Model        string             `json:"model"`
}

// UpstreamError is a non-200 response from the agent service. The body is
// included verbatim, truncated if long.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("agent service returned %d: %s", e.StatusCode, e.Body)
}

// Client issues streaming completions against the agent service.
//
// The HTTP client carries a generous total timeout appropriate for
// long-running agent loops; per-request cancellation comes from the context.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client for the agent service base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// StreamCompletion POSTs the request and returns the newline-framed response
// body. The caller owns the body and must close it.
func (c *Client) StreamCompletion(ctx context.Context, req Request) (io.ReadCloser, error) {
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(detail)}
	}

	return resp.Body, nil
}

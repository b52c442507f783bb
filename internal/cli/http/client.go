package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"runbox/internal/executor/sandbox/result"

	"github.com/google/uuid"
)

const maxResponseBytes = 16 << 20

// RunRequest is the body sent to POST /run.
type RunRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdin    string `json:"stdin,omitempty"`
}

// RunReply is a decoded /run response.
type RunReply struct {
	result.RunResponse
	StatusCode int
	TraceID    string
	Duration   time.Duration
}

// Client talks to a runbox server.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		http:    &http.Client{},
	}
}

// Run submits source code and decodes the run response.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunReply, error) {
	var reply RunReply
	body, err := json.Marshal(req)
	if err != nil {
		return reply, fmt.Errorf("encode request failed: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return reply, fmt.Errorf("build request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	reply.Duration = time.Since(start)
	if err != nil {
		return reply, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	reply.StatusCode = resp.StatusCode
	reply.TraceID = resp.Header.Get("X-Trace-Id")
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return reply, fmt.Errorf("read response body failed: %w", err)
	}
	if err := json.Unmarshal(data, &reply.RunResponse); err != nil {
		return reply, fmt.Errorf("decode response failed (http %d): %w", resp.StatusCode, err)
	}
	if reply.Status == "" {
		return reply, fmt.Errorf("response without status (http %d)", resp.StatusCode)
	}
	return reply, nil
}

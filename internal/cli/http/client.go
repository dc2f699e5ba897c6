package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"codesandbox/internal/common/http/middleware"
	"codesandbox/internal/sandbox"
	"codesandbox/internal/sandbox/controller"
	pkgerrors "codesandbox/pkg/errors"
)

// ResponseInfo carries response details.
type ResponseInfo struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Envelope is the server's response wrapper.
type Envelope struct {
	Code    pkgerrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
	Data    json.RawMessage     `json:"data"`
	TraceID string              `json:"trace_id"`
}

// APIError is a non-success envelope.
type APIError struct {
	StatusCode int
	Code       pkgerrors.ErrorCode
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (code %d)", e.StatusCode, e.Message, e.Code)
}

// Client talks to a sandbox server.
type Client struct {
	baseURL string
	secret  string
	token   string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration, secret string) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.http.Timeout = timeout
	}
}

func (c *Client) SetSecret(secret string) {
	c.secret = secret
}

// SetToken sets a bearer token sent when no secret is set.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do sends one request and reads the whole body.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (ResponseInfo, error) {
	var info ResponseInfo
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return info, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.secret != "":
		req.Header.Set(middleware.AuthHeader, c.secret)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	info.Duration = time.Since(start)
	if err != nil {
		return info, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	info.StatusCode = resp.StatusCode
	info.Headers = resp.Header
	info.Body, err = io.ReadAll(resp.Body)
	if err != nil {
		return info, fmt.Errorf("read response body failed: %w", err)
	}
	return info, nil
}

// call performs a request and decodes a successful envelope's data into out.
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) (ResponseInfo, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return ResponseInfo{}, fmt.Errorf("encode request failed: %w", err)
		}
	}
	info, err := c.Do(ctx, method, path, body)
	if err != nil {
		return info, err
	}
	var env Envelope
	if err := json.Unmarshal(info.Body, &env); err != nil {
		return info, fmt.Errorf("decode response failed (HTTP %d): %w", info.StatusCode, err)
	}
	if env.Code != pkgerrors.Success {
		return info, &APIError{StatusCode: info.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return info, fmt.Errorf("decode data failed: %w", err)
		}
	}
	return info, nil
}

// Execute runs a submission and returns its verdict.
func (c *Client) Execute(ctx context.Context, req controller.ExecuteRequest) (sandbox.Response, error) {
	var resp sandbox.Response
	_, err := c.call(ctx, http.MethodPost, "/api/v1/sandbox/execute", req, &resp)
	return resp, err
}

// Languages lists the server's language ids.
func (c *Client) Languages(ctx context.Context) ([]string, error) {
	var ids []string
	_, err := c.call(ctx, http.MethodGet, "/api/v1/sandbox/languages", nil, &ids)
	return ids, err
}

// Cancel aborts a running submission.
func (c *Client) Cancel(ctx context.Context, submissionID string) error {
	_, err := c.call(ctx, http.MethodDelete, "/api/v1/sandbox/submissions/"+url.PathEscape(submissionID), nil, nil)
	return err
}

// Health returns the raw health document.
func (c *Client) Health(ctx context.Context) (ResponseInfo, error) {
	info, err := c.Do(ctx, http.MethodGet, "/health", nil)
	if err == nil && info.StatusCode != http.StatusOK {
		err = fmt.Errorf("health check returned HTTP %d", info.StatusCode)
	}
	return info, err
}

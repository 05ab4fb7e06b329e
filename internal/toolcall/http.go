package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPTransportConfig configures an HTTPTransport.
type HTTPTransportConfig struct {
	// BaseURL is the tool service root; invocations POST to /v1/invoke.
	BaseURL string

	// Timeout bounds a single invocation. Defaults to 30s.
	Timeout time.Duration

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

// HTTPTransport invokes tools over HTTP with the caller-supplied bearer
// token. A 401 or 403 becomes ErrAuthRequired so the injector can run the
// authorization flow.
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPTransport creates an HTTP tool transport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("tool service base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPTransport{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
	}, nil
}

type invokeRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

type invokeResponse struct {
	Content string `json:"content"`
}

// Invoke posts the tool call with the bearer token attached.
func (t *HTTPTransport) Invoke(ctx context.Context, req Request, accessToken string) (Result, error) {
	if accessToken == "" {
		return Result{}, ErrAuthRequired
	}

	body, err := json.Marshal(invokeRequest{
		Tool:      req.Tool,
		Arguments: req.Arguments,
		SessionID: req.SessionID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode invocation: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build invocation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("invoke tool %s: %w", req.Tool, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, fmt.Errorf("tool %s: %w", req.Tool, ErrAuthRequired)
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("tool %s returned status %d: %s",
			req.Tool, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out invokeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode tool %s response: %w", req.Tool, err)
	}
	return Result{Content: out.Content}, nil
}

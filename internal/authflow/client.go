package authflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/foie0222/mynion/internal/identity"
	"github.com/foie0222/mynion/internal/observability"
	"github.com/foie0222/mynion/internal/retry"
	"github.com/foie0222/mynion/internal/tokencache"
)

// DirectoryClientConfig configures the HTTP Identity Directory client.
type DirectoryClientConfig struct {
	// BaseURL is the directory's API root.
	BaseURL string

	// TokenURL, ClientID, ClientSecret, and Scopes configure the OAuth2
	// client-credentials grant this service uses to authenticate itself to
	// the directory. When TokenURL is empty, requests are sent without a
	// machine token (local development against a stub directory).
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// AllowedReturnURLs is the allow-list registered with the directory.
	// Presenting any other return URL is rejected locally, before any user
	// interaction.
	AllowedReturnURLs []string

	// Timeout bounds a single HTTP request. Defaults to 15s.
	Timeout time.Duration

	// Retry configures the transient-failure budget per operation.
	Retry retry.Config

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// DirectoryClient is the production Directory implementation. Transient
// transport failures and 5xx responses are retried within a small budget and
// then surfaced as ErrUpstreamUnavailable; protocol rejections are permanent.
type DirectoryClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	allowed    map[string]bool
	retryCfg   retry.Config
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewDirectoryClient creates a directory client.
func NewDirectoryClient(ctx context.Context, cfg DirectoryClientConfig) (*DirectoryClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("directory base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse directory base url: %w", err)
	}
	if len(cfg.AllowedReturnURLs) == 0 {
		return nil, fmt.Errorf("at least one allowed return url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var httpClient *http.Client
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = cc.Client(ctx)
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = timeout

	retryCfg := cfg.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}

	allowed := make(map[string]bool, len(cfg.AllowedReturnURLs))
	for _, u := range cfg.AllowedReturnURLs {
		allowed[strings.TrimSpace(u)] = true
	}

	return &DirectoryClient{
		baseURL:    base,
		httpClient: httpClient,
		allowed:    allowed,
		retryCfg:   retryCfg,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

type authorizationRequest struct {
	Identity  string `json:"identity"`
	ReturnURL string `json:"return_url"`
	State     string `json:"state"`
}

type authorizationResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	SessionHandle    string `json:"session_handle"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Refreshable bool   `json:"refreshable"`
}

// RequestAuthorizationURL allocates an authorization session at the
// directory. The return URL must be on the registered allow-list.
func (c *DirectoryClient) RequestAuthorizationURL(ctx context.Context, id identity.EndUserIdentity, returnURL, callbackState string) (string, string, error) {
	if !c.allowed[returnURL] {
		return "", "", fmt.Errorf("return url %q is not on the registered allow-list", returnURL)
	}

	body, err := json.Marshal(authorizationRequest{
		Identity:  id.String(),
		ReturnURL: returnURL,
		State:     callbackState,
	})
	if err != nil {
		return "", "", fmt.Errorf("encode authorization request: %w", err)
	}

	start := time.Now()
	resp, err := retry.DoWithValue(ctx, c.retryCfg, func() (authorizationResponse, error) {
		var out authorizationResponse
		err := c.doJSON(ctx, http.MethodPost, "/v1/resource-authorizations", body, http.StatusOK, &out)
		return out, err
	})
	c.metrics.DirectoryRequest("request_url", statusLabel(err), time.Since(start).Seconds())
	if err != nil {
		return "", "", err
	}
	if resp.AuthorizationURL == "" || resp.SessionHandle == "" {
		return "", "", fmt.Errorf("%w: directory returned an incomplete authorization response", ErrUpstreamUnavailable)
	}
	return resp.AuthorizationURL, resp.SessionHandle, nil
}

// FinalizeSession completes the directory-side token exchange.
func (c *DirectoryClient) FinalizeSession(ctx context.Context, sessionHandle string) error {
	path := fmt.Sprintf("/v1/resource-authorizations/%s/complete", url.PathEscape(sessionHandle))
	start := time.Now()
	err := retry.Do(ctx, c.retryCfg, func() error {
		return c.doJSON(ctx, http.MethodPost, path, nil, http.StatusOK, nil)
	})
	c.metrics.DirectoryRequest("finalize", statusLabel(err), time.Since(start).Seconds())
	return err
}

// FetchToken retrieves the credential for a session.
func (c *DirectoryClient) FetchToken(ctx context.Context, sessionHandle string) (FetchResult, error) {
	path := fmt.Sprintf("/v1/resource-authorizations/%s/token", url.PathEscape(sessionHandle))
	start := time.Now()
	result, err := retry.DoWithValue(ctx, c.retryCfg, func() (FetchResult, error) {
		return c.fetchTokenOnce(ctx, path)
	})
	c.metrics.DirectoryRequest("fetch_token", statusLabel(err), time.Since(start).Seconds())
	return result, err
}

func (c *DirectoryClient) fetchTokenOnce(ctx context.Context, path string) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.String()+path, nil)
	if err != nil {
		return FetchResult{}, retry.Permanent(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var tok tokenResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tok); err != nil {
			return FetchResult{}, fmt.Errorf("%w: decode token response: %w", ErrUpstreamUnavailable, err)
		}
		cred := tokencache.Credential{
			AccessToken: tok.AccessToken,
			Refreshable: tok.Refreshable,
		}
		if tok.ExpiresIn > 0 {
			cred.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		}
		return FetchResult{Status: TokenReady, Credential: cred}, nil
	case http.StatusAccepted:
		return FetchResult{Status: TokenPending}, nil
	case http.StatusConflict:
		return FetchResult{Status: TokenFailed}, nil
	case http.StatusNotFound:
		return FetchResult{}, retry.Permanent(ErrSessionNotFound)
	case http.StatusGone:
		return FetchResult{}, retry.Permanent(ErrSessionExpired)
	default:
		return FetchResult{}, c.statusError(resp)
	}
}

// doJSON issues a request and decodes the response when out is non-nil.
func (c *DirectoryClient) doJSON(ctx context.Context, method, path string, body []byte, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return retry.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return retry.Permanent(ErrSessionNotFound)
		case http.StatusGone:
			return retry.Permanent(ErrSessionExpired)
		default:
			return c.statusError(resp)
		}
	}

	if out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %w", ErrUpstreamUnavailable, err)
		}
	}
	return nil
}

// statusError maps an unexpected response to a retryable or permanent error.
func (c *DirectoryClient) statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("directory returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return retry.Permanent(err)
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

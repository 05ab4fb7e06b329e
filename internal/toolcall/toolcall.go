// Package toolcall wraps resource invocations with transparent credential
// injection.
//
// A transport speaks to an external resource that demands a per-user bearer
// token. The injector front-ends it: cached credentials are attached
// silently, a rejection for a stale credential triggers one re-authorization
// and a single retry, and a user who has never authorized gets an
// authorization URL back as a normal result rather than an error. Callers
// never handle tokens themselves.
package toolcall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foie0222/mynion/internal/authflow"
	"github.com/foie0222/mynion/internal/identity"
	"github.com/foie0222/mynion/internal/observability"
	"github.com/foie0222/mynion/internal/tokencache"
)

// ErrAuthRequired is returned by a Transport when the resource rejects the
// presented credential, or no credential was presented at all.
var ErrAuthRequired = errors.New("resource requires authorization")

// DefaultWaitBudget bounds how long a single invocation waits for the user to
// complete an authorization before giving up and returning the URL instead.
const DefaultWaitBudget = 60 * time.Second

// Request is one invocation of an upstream tool or resource.
type Request struct {
	Tool      string
	Arguments map[string]any

	// SessionID is the conversation-scoped session the invocation belongs
	// to, forwarded so the resource can correlate turns.
	SessionID string
}

// Result is the outcome of an invocation.
//
// AuthRequired is a first-class outcome, not an error: the invocation could
// not proceed because the user has not authorized yet, and AuthorizationURL
// is where they do so. The caller surfaces the link and the turn ends
// normally.
type Result struct {
	Content          string
	AuthRequired     bool
	AuthorizationURL string
}

// Outcome pairs a Result with its error for asynchronous delivery.
type Outcome struct {
	Result Result
	Err    error
}

// Transport performs the raw invocation against the external resource with
// an explicit bearer token.
type Transport interface {
	Invoke(ctx context.Context, req Request, accessToken string) (Result, error)
}

// SessionBroker is the slice of the authorization broker the injector needs.
type SessionBroker interface {
	StartSession(ctx context.Context, id identity.EndUserIdentity) (authflow.StartResult, error)
	PollForToken(ctx context.Context, sessionHandle string, budget time.Duration) (authflow.PollResult, error)
}

// InjectorConfig configures an Injector.
type InjectorConfig struct {
	// Transport performs the raw resource invocation. Required.
	Transport Transport

	// Cache holds per-identity credentials. Required.
	Cache *tokencache.Cache

	// Broker runs the authorization flow on cache misses. Required.
	Broker SessionBroker

	// WaitBudget overrides DefaultWaitBudget when positive.
	WaitBudget time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Injector attaches per-identity credentials to invocations.
type Injector struct {
	transport  Transport
	cache      *tokencache.Cache
	broker     SessionBroker
	waitBudget time.Duration
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewInjector creates an auth-injecting invocation wrapper.
func NewInjector(cfg InjectorConfig) (*Injector, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("token cache is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("session broker is required")
	}
	budget := cfg.WaitBudget
	if budget <= 0 {
		budget = DefaultWaitBudget
	}
	return &Injector{
		transport:  cfg.Transport,
		cache:      cfg.Cache,
		broker:     cfg.Broker,
		waitBudget: budget,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Call invokes the resource on behalf of id, acquiring a credential first if
// necessary. It blocks up to the wait budget when an authorization flow is in
// flight.
//
// A credential rejected by the resource is treated as stale exactly once: it
// is dropped from the cache, a fresh one is acquired, and the invocation is
// retried. A rejection of the fresh credential is a hard error.
func (i *Injector) Call(ctx context.Context, id identity.EndUserIdentity, req Request) (Result, error) {
	if id == "" {
		return Result{}, fmt.Errorf("identity is required")
	}

	if cred, ok := i.cache.Get(id); ok {
		i.metrics.CacheLookup(true)
		result, err := i.transport.Invoke(ctx, req, cred.AccessToken)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrAuthRequired) {
			return Result{}, err
		}
		i.logger.Info(ctx, "cached credential rejected, re-authorizing",
			"identity", id.String(), "tool", req.Tool,
		)
		i.cache.Invalidate(id)
	} else {
		i.metrics.CacheLookup(false)
	}

	cred, pendingURL, err := i.acquire(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if pendingURL != "" {
		return Result{AuthRequired: true, AuthorizationURL: pendingURL}, nil
	}

	result, err := i.transport.Invoke(ctx, req, cred.AccessToken)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, ErrAuthRequired) {
		i.cache.Invalidate(id)
		return Result{}, fmt.Errorf("resource rejected a freshly issued credential: %w", err)
	}
	return Result{}, err
}

// CallAsync schedules Call on its own goroutine and delivers the outcome on
// the returned channel. The channel is buffered, so an abandoned outcome
// never leaks the goroutine. Both entry points share the same resolution
// path, so a synchronous caller and an asynchronous one behave identically.
func (i *Injector) CallAsync(ctx context.Context, id identity.EndUserIdentity, req Request) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		result, err := i.Call(ctx, id, req)
		out <- Outcome{Result: result, Err: err}
	}()
	return out
}

// acquire runs the authorization flow for id. It returns either a usable
// credential or, when the wait budget lapses first, the authorization URL the
// user still needs to visit.
func (i *Injector) acquire(ctx context.Context, id identity.EndUserIdentity) (tokencache.Credential, string, error) {
	start, err := i.broker.StartSession(ctx, id)
	if err != nil {
		return tokencache.Credential{}, "", fmt.Errorf("start authorization session: %w", err)
	}

	poll, err := i.broker.PollForToken(ctx, start.SessionHandle, i.waitBudget)
	if err != nil {
		return tokencache.Credential{}, "", fmt.Errorf("wait for authorization: %w", err)
	}
	if poll.Status == authflow.PollPending {
		url := poll.AuthorizationURL
		if url == "" {
			url = start.AuthorizationURL
		}
		return tokencache.Credential{}, url, nil
	}

	cred := poll.Credential
	if err := i.cache.Put(id, cred); err != nil {
		return tokencache.Credential{}, "", fmt.Errorf("cache credential: %w", err)
	}
	return cred, "", nil
}

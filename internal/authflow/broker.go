package authflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/foie0222/mynion/internal/identity"
	"github.com/foie0222/mynion/internal/observability"
	"github.com/foie0222/mynion/internal/tokencache"
)

// SessionState is the lifecycle state of an authorization session.
type SessionState string

const (
	// StateInitiated is the initial state, entered when no cached credential
	// exists for an identity and a new flow is being allocated.
	StateInitiated SessionState = "INITIATED"
	// StateAwaitingConsent means the authorization URL was issued and the
	// user has not yet completed the third-party consent.
	StateAwaitingConsent SessionState = "AWAITING_CONSENT"
	// StateCallbackReceived means the consent redirect arrived and the
	// binding checks passed; finalization is in flight.
	StateCallbackReceived SessionState = "CALLBACK_RECEIVED"
	// StateBound is the terminal success state.
	StateBound SessionState = "BOUND"
	// StateExpired means the session lifetime elapsed before completion.
	StateExpired SessionState = "EXPIRED"
	// StateFailed is the terminal error state.
	StateFailed SessionState = "FAILED"
)

// Default lifecycle tuning.
const (
	// DefaultSessionTTL is the fixed short lifetime of one authorization
	// attempt.
	DefaultSessionTTL = 10 * time.Minute
	// DefaultPollInterval is the delay between directory token checks while
	// a poller waits.
	DefaultPollInterval = 2 * time.Second
	// sweepInterval is how often expired sessions are collected even when
	// nobody is polling them.
	sweepInterval = 30 * time.Second
	// terminalRetention keeps terminal sessions visible long enough for
	// duplicate callbacks to resolve idempotently before records are dropped.
	terminalRetention = 30 * time.Minute
)

// StartResult carries what a user needs to begin authorizing.
type StartResult struct {
	SessionHandle    string
	AuthorizationURL string
}

// CompleteResult is the outcome of a successful (or already-completed)
// session binding.
type CompleteResult struct {
	Credential tokencache.Credential
	// AlreadyBound is set when the call was a duplicate delivery for a
	// session that had already completed.
	AlreadyBound bool
}

// PollStatus classifies a PollForToken outcome.
type PollStatus string

const (
	// PollBound means a credential is available.
	PollBound PollStatus = "bound"
	// PollPending means the wait budget elapsed while the user was still
	// mid-authorization. Not an error; the caller re-surfaces the URL.
	PollPending PollStatus = "pending"
)

// PollResult is the outcome of a bounded token wait.
type PollResult struct {
	Status           PollStatus
	Credential       tokencache.Credential
	AuthorizationURL string
}

// session is one authorization attempt. Field access is guarded by the
// broker's map lock; flow-level ordering is serialized by the owner's
// identity lock.
type session struct {
	handle           string
	owner            identity.EndUserIdentity
	state            SessionState
	authorizationURL string
	createdAt        time.Time
	expiresAt        time.Time
	credential       tokencache.Credential
	// done is closed exactly once when the session reaches BOUND, EXPIRED,
	// or FAILED, waking any waiter immediately.
	done chan struct{}
}

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	// Directory is the Identity Directory client. Required.
	Directory Directory

	// StateCodec signs identity claims into the state parameter. Required.
	StateCodec *StateCodec

	// ReturnURL is the pre-registered callback URL presented at
	// authorization time. Required.
	ReturnURL string

	// SessionTTL overrides DefaultSessionTTL when positive.
	SessionTTL time.Duration

	// PollInterval overrides DefaultPollInterval when positive.
	PollInterval time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Broker tracks authorization sessions from initiation through consent to
// completion for a single resource provider.
//
// All mutations to one identity's session are serialized by a per-identity
// lock; operations on different identities never block each other. Session
// bookkeeping is per compute instance, so pollers fall back to the directory
// when the callback lands elsewhere.
type Broker struct {
	directory    Directory
	codec        *StateCodec
	returnURL    string
	sessionTTL   time.Duration
	pollInterval time.Duration
	logger       *observability.Logger
	metrics      *observability.Metrics
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	byOwner  map[identity.EndUserIdentity]*session
	locks    map[identity.EndUserIdentity]*sync.Mutex
}

// NewBroker creates a session broker.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("directory is required")
	}
	if cfg.StateCodec == nil {
		return nil, fmt.Errorf("state codec is required")
	}
	if cfg.ReturnURL == "" {
		return nil, fmt.Errorf("return url is required")
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Broker{
		directory:    cfg.Directory,
		codec:        cfg.StateCodec,
		returnURL:    cfg.ReturnURL,
		sessionTTL:   ttl,
		pollInterval: interval,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          now,
		sessions:     make(map[string]*session),
		byOwner:      make(map[identity.EndUserIdentity]*session),
		locks:        make(map[identity.EndUserIdentity]*sync.Mutex),
	}, nil
}

// ownerLock returns the mutex serializing flows for one identity.
func (b *Broker) ownerLock(id identity.EndUserIdentity) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lk, ok := b.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		b.locks[id] = lk
	}
	return lk
}

// StartSession allocates an authorization session for id, or reuses the
// pending one so concurrent cache misses cannot orphan sessions at the
// directory. A session the owner already bound is reused the same way while
// its credential is live: a caller that lost the credential locally gets it
// back from PollForToken instead of prompting a user who has nothing left to
// authorize. The identity is embedded in the signed state parameter so it
// survives the redirect round-trip; on return it is only a claim, verified
// against the recorded owner by CompleteSession.
func (b *Broker) StartSession(ctx context.Context, id identity.EndUserIdentity) (StartResult, error) {
	if id == "" {
		return StartResult{}, fmt.Errorf("identity is required")
	}

	lk := b.ownerLock(id)
	lk.Lock()
	defer lk.Unlock()

	now := b.now()

	b.mu.Lock()
	if existing := b.byOwner[id]; existing != nil {
		if existing.reusable(now) {
			result := StartResult{SessionHandle: existing.handle, AuthorizationURL: existing.authorizationURL}
			b.mu.Unlock()
			return result, nil
		}
		if existing.pending() {
			b.expireLocked(existing)
		}
	}
	b.mu.Unlock()

	state, err := b.codec.Encode(id)
	if err != nil {
		return StartResult{}, fmt.Errorf("encode state: %w", err)
	}

	authURL, handle, err := b.directory.RequestAuthorizationURL(ctx, id, b.returnURL, state)
	if err != nil {
		if !errors.Is(err, ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
		b.logger.Warn(ctx, "failed to allocate authorization session", "identity", id.String(), "error", err)
		return StartResult{}, err
	}

	s := &session{
		handle:           handle,
		owner:            id,
		state:            StateInitiated,
		authorizationURL: authURL,
		createdAt:        now,
		expiresAt:        now.Add(b.sessionTTL),
		done:             make(chan struct{}),
	}

	b.mu.Lock()
	s.state = StateAwaitingConsent
	b.sessions[handle] = s
	b.byOwner[id] = s
	b.mu.Unlock()

	b.metrics.SessionStarted()
	b.logger.Info(ctx, "authorization session started",
		"identity", id.String(),
		"session_handle", handle,
		"expires_at", s.expiresAt,
	)
	return StartResult{SessionHandle: handle, AuthorizationURL: authURL}, nil
}

// CompleteSession finalizes the session identified by handle on behalf of
// claimedIdentity. The claim must equal the identity that started the flow;
// a mismatch or an expired session never reaches the directory's finalize
// operation. Duplicate deliveries for an already-bound session are a no-op.
func (b *Broker) CompleteSession(ctx context.Context, handle string, claimedIdentity identity.EndUserIdentity) (CompleteResult, error) {
	b.mu.Lock()
	s := b.sessions[handle]
	b.mu.Unlock()
	if s == nil {
		b.metrics.SessionCompleted("not_found")
		return CompleteResult{}, ErrSessionNotFound
	}

	lk := b.ownerLock(s.owner)
	lk.Lock()
	defer lk.Unlock()

	b.mu.Lock()
	switch s.state {
	case StateBound:
		result := CompleteResult{Credential: s.credential, AlreadyBound: true}
		b.mu.Unlock()
		return result, nil
	case StateExpired:
		b.mu.Unlock()
		return CompleteResult{}, ErrSessionExpired
	case StateFailed:
		b.mu.Unlock()
		return CompleteResult{}, ErrSessionFailed
	}
	if !b.now().Before(s.expiresAt) {
		b.expireLocked(s)
		b.mu.Unlock()
		b.metrics.SessionCompleted("expired")
		return CompleteResult{}, ErrSessionExpired
	}
	if claimedIdentity != s.owner {
		// The session stays AWAITING_CONSENT: its legitimate owner can
		// still complete it, and the mismatched caller learns nothing.
		b.mu.Unlock()
		b.metrics.SessionCompleted("identity_mismatch")
		b.logger.Warn(ctx, "authorization session identity mismatch",
			"session_handle", handle,
		)
		return CompleteResult{}, ErrIdentityMismatch
	}
	s.state = StateCallbackReceived
	b.mu.Unlock()

	if err := b.directory.FinalizeSession(ctx, handle); err != nil {
		b.mu.Lock()
		b.failLocked(s)
		b.mu.Unlock()
		b.metrics.SessionCompleted("failed")
		b.logger.Error(ctx, "failed to finalize authorization session",
			"session_handle", handle, "error", err,
		)
		return CompleteResult{}, fmt.Errorf("finalize session: %w", err)
	}

	cred := tokencache.Credential{OwnerIdentity: s.owner}
	if res, err := b.directory.FetchToken(ctx, handle); err == nil && res.Status == TokenReady {
		cred = res.Credential
		cred.OwnerIdentity = s.owner
	}

	// The map lock was released across the directory calls; a poller's
	// directory fetch may have bound the session in the meantime, and done
	// closes exactly once.
	b.mu.Lock()
	bound := false
	switch {
	case !s.terminal():
		s.state = StateBound
		s.credential = cred
		close(s.done)
		bound = true
	case s.state == StateBound:
		if s.credential.AccessToken == "" && cred.AccessToken != "" {
			s.credential = cred
		}
		cred = s.credential
	}
	b.mu.Unlock()

	if bound {
		b.metrics.SessionCompleted("bound")
		b.logger.Info(ctx, "authorization session bound",
			"identity", s.owner.String(),
			"session_handle", handle,
		)
	}
	return CompleteResult{Credential: cred, AlreadyBound: !bound}, nil
}

// PollForToken waits up to budget for the session to produce a credential.
// It wakes immediately on local completion and otherwise checks the
// directory at the poll interval, since the callback may have been handled
// by a different compute instance. An exhausted budget yields a PollPending
// result carrying the original authorization URL; it is not an error.
func (b *Broker) PollForToken(ctx context.Context, handle string, budget time.Duration) (PollResult, error) {
	b.mu.Lock()
	s := b.sessions[handle]
	b.mu.Unlock()
	if s == nil {
		return PollResult{}, ErrSessionNotFound
	}

	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	// done closes exactly once; after the first wake it stays ready, so it
	// is disarmed to keep a bound-but-undelivered credential from turning
	// the wait into a hot loop between ticks.
	done := s.done
	for {
		if result, settled, err := b.checkSession(s); settled {
			return result, err
		}

		select {
		case <-ctx.Done():
			return PollResult{}, ctx.Err()
		case <-deadline.C:
			return PollResult{Status: PollPending, AuthorizationURL: s.authorizationURL}, nil
		case <-done:
			// Re-check: done closes on expiry and failure too.
			done = nil
		case <-ticker.C:
			if result, settled, err := b.fetchFromDirectory(ctx, s); settled {
				return result, err
			}
		}
	}
}

// checkSession inspects local session state. settled=false means keep
// waiting.
func (b *Broker) checkSession(s *session) (PollResult, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch s.state {
	case StateBound:
		if s.credential.AccessToken != "" {
			return PollResult{Status: PollBound, Credential: s.credential}, true, nil
		}
		// Bound without a delivered credential: fetch on the next tick.
		return PollResult{}, false, nil
	case StateExpired:
		return PollResult{}, true, ErrSessionExpired
	case StateFailed:
		return PollResult{}, true, ErrSessionFailed
	}
	if !b.now().Before(s.expiresAt) {
		b.expireLocked(s)
		return PollResult{}, true, ErrSessionExpired
	}
	return PollResult{}, false, nil
}

// fetchFromDirectory asks the directory for the session's token, binding the
// session locally when it is ready.
func (b *Broker) fetchFromDirectory(ctx context.Context, s *session) (PollResult, bool, error) {
	res, err := b.directory.FetchToken(ctx, s.handle)
	if err != nil {
		// Transient: the local expiry clock still bounds the overall wait.
		b.logger.Debug(ctx, "token fetch failed, will retry", "session_handle", s.handle, "error", err)
		return PollResult{}, false, nil
	}
	switch res.Status {
	case TokenReady:
		cred := res.Credential
		cred.OwnerIdentity = s.owner
		b.mu.Lock()
		if s.state != StateBound {
			s.state = StateBound
			s.credential = cred
			close(s.done)
		} else if s.credential.AccessToken == "" {
			s.credential = cred
		}
		cred = s.credential
		b.mu.Unlock()
		b.metrics.SessionCompleted("bound")
		return PollResult{Status: PollBound, Credential: cred}, true, nil
	case TokenFailed:
		b.mu.Lock()
		b.failLocked(s)
		b.mu.Unlock()
		b.metrics.SessionCompleted("failed")
		return PollResult{}, true, ErrSessionFailed
	default:
		return PollResult{}, false, nil
	}
}

// SessionState reports the current state of a session handle.
func (b *Broker) SessionState(handle string) (SessionState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sessions[handle]
	if s == nil {
		return "", false
	}
	if s.pending() && !b.now().Before(s.expiresAt) {
		b.expireLocked(s)
	}
	return s.state, true
}

// StartSweeper launches a background goroutine that expires overdue sessions
// independently of any poller and drops terminal records after a retention
// window. It exits when ctx is cancelled.
func (b *Broker) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweep()
			}
		}
	}()
}

// sweep expires overdue sessions and collects stale terminal records.
func (b *Broker) sweep() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for handle, s := range b.sessions {
		if s.pending() && !now.Before(s.expiresAt) {
			b.expireLocked(s)
			b.metrics.SessionCompleted("expired")
		}
		if s.terminal() && now.Sub(s.expiresAt) > terminalRetention {
			delete(b.sessions, handle)
			if b.byOwner[s.owner] == s {
				delete(b.byOwner, s.owner)
			}
		}
	}
}

// expireLocked transitions a session to EXPIRED. Caller holds b.mu.
func (b *Broker) expireLocked(s *session) {
	if s.terminal() {
		return
	}
	s.state = StateExpired
	close(s.done)
	if b.byOwner[s.owner] == s {
		delete(b.byOwner, s.owner)
	}
}

// failLocked transitions a session to FAILED. Caller holds b.mu.
func (b *Broker) failLocked(s *session) {
	if s.terminal() {
		return
	}
	s.state = StateFailed
	close(s.done)
	if b.byOwner[s.owner] == s {
		delete(b.byOwner, s.owner)
	}
}

// pending reports whether the session can still be completed.
func (s *session) pending() bool {
	switch s.state {
	case StateInitiated, StateAwaitingConsent, StateCallbackReceived:
		return true
	}
	return false
}

// reusable reports whether a new flow for the owner can be served by this
// session instead of a fresh directory allocation: a live pending flow, or a
// bound one whose credential has not expired. Requesting another
// authorization URL in either case would re-prompt a user with nothing left
// to authorize.
func (s *session) reusable(now time.Time) bool {
	switch {
	case s.pending():
		return now.Before(s.expiresAt)
	case s.state == StateBound:
		if s.credential.AccessToken == "" {
			// Bound but the credential never arrived locally; a poller on
			// this handle still retrieves it from the directory.
			return true
		}
		return s.credential.ExpiresAt.IsZero() || now.Before(s.credential.ExpiresAt)
	}
	return false
}

// terminal reports whether the session reached a final state.
func (s *session) terminal() bool {
	switch s.state {
	case StateBound, StateExpired, StateFailed:
		return true
	}
	return false
}

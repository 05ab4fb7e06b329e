// Package authflow implements the authorization session-binding protocol:
// starting a per-user OAuth flow against the Identity Directory, verifying
// that the identity completing a flow is the one that started it, and
// delivering the resulting credential to waiting tool calls.
//
// The session handle alone is never sufficient proof of identity because it
// transits a public redirect chain; a forwarded authorization link must not
// grant access to anyone but its originator. Completion is therefore bound to
// the identity claim created at initiation time, not to any property of the
// completing request.
package authflow

import (
	"context"
	"errors"

	"github.com/foie0222/mynion/internal/identity"
	"github.com/foie0222/mynion/internal/tokencache"
)

// Protocol-level errors. Callback handling surfaces all of them as the same
// generic failure page so a caller probing with stolen handles learns nothing
// about which check failed.
var (
	// ErrUpstreamUnavailable means the Identity Directory could not be
	// reached. Retried with backoff by the caller, never swallowed.
	ErrUpstreamUnavailable = errors.New("identity directory unavailable")

	// ErrSessionNotFound means no session exists for the presented handle.
	ErrSessionNotFound = errors.New("authorization session not found")

	// ErrSessionExpired means the session's lifetime elapsed before
	// completion.
	ErrSessionExpired = errors.New("authorization session expired")

	// ErrIdentityMismatch means the completing identity claim does not match
	// the identity that started the session. Always terminal for the
	// attempt; never retried automatically.
	ErrIdentityMismatch = errors.New("authorization session identity mismatch")

	// ErrSessionFailed means the session reached a terminal failure state.
	ErrSessionFailed = errors.New("authorization session failed")
)

// TokenStatus is the outcome of a Directory.FetchToken call.
type TokenStatus string

const (
	// TokenReady means the credential was issued and is included.
	TokenReady TokenStatus = "ready"
	// TokenPending means the user has not finished authorizing.
	TokenPending TokenStatus = "pending"
	// TokenFailed means the directory abandoned the session.
	TokenFailed TokenStatus = "failed"
)

// FetchResult is the result of a token retrieval attempt.
type FetchResult struct {
	Status     TokenStatus
	Credential tokencache.Credential
}

// Directory is the Identity Directory consumed by the session broker. It
// issues authorization URLs and session handles, finalizes consented
// sessions, and exchanges session handles for tokens.
//
// Implementations must treat the directory as a remote service: calls take a
// context and may fail with ErrUpstreamUnavailable.
type Directory interface {
	// RequestAuthorizationURL allocates a new authorization session. The
	// callbackState is an opaque value the directory passes through the
	// consent redirect unmodified; the returnURL must be pre-registered
	// with the directory's allow-list.
	RequestAuthorizationURL(ctx context.Context, id identity.EndUserIdentity, returnURL, callbackState string) (authorizationURL, sessionHandle string, err error)

	// FinalizeSession completes the token exchange for a consented session.
	FinalizeSession(ctx context.Context, sessionHandle string) error

	// FetchToken retrieves the credential for a session, reporting pending
	// while the user is still mid-consent.
	FetchToken(ctx context.Context, sessionHandle string) (FetchResult, error)
}

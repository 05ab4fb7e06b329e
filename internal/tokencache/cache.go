// Package tokencache stores per-identity resource credentials for the
// lifetime of a single compute instance.
//
// The cache is best-effort by design: the hosting compute model does not
// guarantee memory persistence across invocations, so a miss after a restart
// is expected and callers fall back to the authorization flow. Within one
// process the cache gives linearizable read-your-writes behavior, and entries
// are keyed strictly by end-user identity so two users can never observe each
// other's credential, even under race.
package tokencache

import (
	"fmt"
	"sync"
	"time"

	"github.com/foie0222/mynion/internal/identity"
)

// DefaultExpirySkew is subtracted from a credential's declared expiry before
// it is served, tolerating clock drift between this process and the issuer.
const DefaultExpirySkew = 60 * time.Second

// Credential is a cached bearer credential for one end-user identity.
type Credential struct {
	// OwnerIdentity is the identity the credential was stored under.
	OwnerIdentity identity.EndUserIdentity

	// AccessToken is the resource-scoped bearer token.
	AccessToken string

	// ExpiresAt is the declared expiry. Zero means the issuer reported none.
	ExpiresAt time.Time

	// Refreshable indicates the issuer can mint a successor without a new
	// user consent round-trip.
	Refreshable bool
}

// expiredAt reports whether the credential must be treated as expired at now,
// applying the skew buffer.
func (c Credential) expiredAt(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt.Add(-skew))
}

// Options configures a Cache.
type Options struct {
	// ExpirySkew overrides DefaultExpirySkew when positive.
	ExpirySkew time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Cache is a concurrency-safe identity-to-credential map, one instance per
// resource provider.
type Cache struct {
	mu      sync.RWMutex
	entries map[identity.EndUserIdentity]Credential
	skew    time.Duration
	now     func() time.Time
}

// New creates an empty cache.
func New(opts Options) *Cache {
	skew := opts.ExpirySkew
	if skew <= 0 {
		skew = DefaultExpirySkew
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries: make(map[identity.EndUserIdentity]Credential),
		skew:    skew,
		now:     now,
	}
}

// Get returns the credential stored for id, or ok=false on a miss. A
// credential past its skew-adjusted expiry is removed and reported as a miss;
// the caller is responsible for refreshing or re-authorizing.
func (c *Cache) Get(id identity.EndUserIdentity) (Credential, bool) {
	c.mu.RLock()
	cred, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return Credential{}, false
	}

	if cred.expiredAt(c.now(), c.skew) {
		c.mu.Lock()
		// Re-check under the write lock; a fresher Put may have raced in.
		if current, still := c.entries[id]; still && current.expiredAt(c.now(), c.skew) {
			delete(c.entries, id)
		}
		cred, ok = c.entries[id]
		c.mu.Unlock()
		if !ok {
			return Credential{}, false
		}
	}
	return cred, true
}

// Put stores a credential for id, replacing any previous entry. The
// credential's owner must match the key it is stored under.
func (c *Cache) Put(id identity.EndUserIdentity, cred Credential) error {
	if id == "" {
		return fmt.Errorf("identity is required")
	}
	if cred.OwnerIdentity != "" && cred.OwnerIdentity != id {
		return fmt.Errorf("credential owner %q does not match cache key %q", cred.OwnerIdentity, id)
	}
	cred.OwnerIdentity = id

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = cred
	return nil
}

// Invalidate removes the entry for id, if any.
func (c *Cache) Invalidate(id identity.EndUserIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Len returns the number of live entries. Expired entries still count until
// observed by Get.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

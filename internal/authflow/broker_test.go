package authflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/foie0222/mynion/internal/identity"
	"github.com/foie0222/mynion/internal/tokencache"
)

// fakeDirectory records calls and lets tests script the directory's behavior.
type fakeDirectory struct {
	mu            sync.Mutex
	startCalls    int
	finalizeCalls int
	fetchCalls    int

	startErr    error
	finalizeErr error
	fetchResult FetchResult
	fetchErr    error
	lastState   string

	// finalizeHook runs during FinalizeSession, outside the fake's lock, so
	// tests can hold the exchange open while other broker calls proceed.
	finalizeHook func()
}

func (d *fakeDirectory) RequestAuthorizationURL(ctx context.Context, id identity.EndUserIdentity, returnURL, callbackState string) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startCalls++
	d.lastState = callbackState
	if d.startErr != nil {
		return "", "", d.startErr
	}
	handle := fmt.Sprintf("session-%d", d.startCalls)
	return "https://auth.example.com/consent?session=" + handle, handle, nil
}

func (d *fakeDirectory) FinalizeSession(ctx context.Context, sessionHandle string) error {
	d.mu.Lock()
	d.finalizeCalls++
	err := d.finalizeErr
	hook := d.finalizeHook
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (d *fakeDirectory) FetchToken(ctx context.Context, sessionHandle string) (FetchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetchCalls++
	if d.fetchErr != nil {
		return FetchResult{}, d.fetchErr
	}
	return d.fetchResult, nil
}

func (d *fakeDirectory) counts() (start, finalize, fetch int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startCalls, d.finalizeCalls, d.fetchCalls
}

func (d *fakeDirectory) setFetch(res FetchResult, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetchResult = res
	d.fetchErr = err
}

// fakeClock is a mutable test clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBroker(t *testing.T, dir *fakeDirectory, clock *fakeClock) *Broker {
	t.Helper()
	codec, err := NewStateCodec([]byte("0123456789abcdef0123456789abcdef"), DefaultSessionTTL)
	if err != nil {
		t.Fatalf("NewStateCodec: %v", err)
	}
	if clock != nil {
		codec.now = clock.Now
	}
	cfg := BrokerConfig{
		Directory:    dir,
		StateCodec:   codec,
		ReturnURL:    "https://mynion.example.com/oauth/callback",
		PollInterval: 10 * time.Millisecond,
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	b, err := NewBroker(cfg)
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	return b
}

func TestStartSessionIssuesAuthorizationURL(t *testing.T) {
	dir := &fakeDirectory{}
	b := newTestBroker(t, dir, nil)
	id := identity.EndUserIdentity("slack-T1-U1")

	result, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if result.SessionHandle == "" || result.AuthorizationURL == "" {
		t.Fatalf("incomplete start result: %+v", result)
	}

	state, ok := b.SessionState(result.SessionHandle)
	if !ok || state != StateAwaitingConsent {
		t.Fatalf("state = %q, ok = %v, want AWAITING_CONSENT", state, ok)
	}
	if dir.lastState == "" {
		t.Fatal("directory did not receive a callback state parameter")
	}
}

func TestStartSessionReusesPendingSession(t *testing.T) {
	dir := &fakeDirectory{}
	b := newTestBroker(t, dir, nil)
	id := identity.EndUserIdentity("slack-T1-U1")

	first, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("first StartSession: %v", err)
	}
	second, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if first.SessionHandle != second.SessionHandle {
		t.Fatalf("handles differ: %q vs %q", first.SessionHandle, second.SessionHandle)
	}
	if starts, _, _ := dir.counts(); starts != 1 {
		t.Fatalf("directory start calls = %d, want 1", starts)
	}
}

func TestStartSessionReusesBoundSession(t *testing.T) {
	dir := &fakeDirectory{fetchResult: FetchResult{
		Status:     TokenReady,
		Credential: tokencache.Credential{AccessToken: "tok-1", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	b := newTestBroker(t, dir, nil)
	id := identity.EndUserIdentity("slack-T1-U1")

	start, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := b.CompleteSession(context.Background(), start.SessionHandle, id); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	// The credential was lost locally (cache miss after the consent
	// round-trip); the retried flow must resolve from the bound session,
	// not prompt the user with a second consent link.
	again, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("retried StartSession: %v", err)
	}
	if again.SessionHandle != start.SessionHandle {
		t.Fatalf("handles differ: %q vs %q", again.SessionHandle, start.SessionHandle)
	}
	if starts, _, _ := dir.counts(); starts != 1 {
		t.Fatalf("directory start calls = %d, want 1", starts)
	}

	result, err := b.PollForToken(context.Background(), again.SessionHandle, time.Second)
	if err != nil {
		t.Fatalf("PollForToken: %v", err)
	}
	if result.Status != PollBound || result.Credential.AccessToken != "tok-1" {
		t.Fatalf("poll result = %+v, want bound tok-1", result)
	}
}

func TestStartSessionIgnoresBoundSessionWithExpiredCredential(t *testing.T) {
	clock := newFakeClock()
	dir := &fakeDirectory{fetchResult: FetchResult{
		Status:     TokenReady,
		Credential: tokencache.Credential{AccessToken: "tok-1", ExpiresAt: clock.Now().Add(time.Minute)},
	}}
	b := newTestBroker(t, dir, clock)
	id := identity.EndUserIdentity("slack-T1-U1")

	start, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := b.CompleteSession(context.Background(), start.SessionHandle, id); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	clock.Advance(2 * time.Minute)

	second, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if second.SessionHandle == start.SessionHandle {
		t.Fatal("bound session with an expired credential was reused")
	}
	if starts, _, _ := dir.counts(); starts != 2 {
		t.Fatalf("directory start calls = %d, want 2", starts)
	}
}

func TestStartSessionConcurrentMissesShareOneSession(t *testing.T) {
	dir := &fakeDirectory{}
	b := newTestBroker(t, dir, nil)
	id := identity.EndUserIdentity("slack-T1-U1")

	const goroutines = 16
	handles := make([]string, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := b.StartSession(context.Background(), id)
			if err != nil {
				t.Errorf("StartSession: %v", err)
				return
			}
			handles[i] = result.SessionHandle
		}(i)
	}
	wg.Wait()

	if starts, _, _ := dir.counts(); starts != 1 {
		t.Fatalf("directory start calls = %d, want 1", starts)
	}
	for i, h := range handles {
		if h != handles[0] {
			t.Fatalf("handle[%d] = %q, want %q", i, h, handles[0])
		}
	}
}

func TestStartSessionWrapsDirectoryFailure(t *testing.T) {
	dir := &fakeDirectory{startErr: errors.New("connection refused")}
	b := newTestBroker(t, dir, nil)

	_, err := b.StartSession(context.Background(), "slack-T1-U1")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestCompleteSessionBindsForOwner(t *testing.T) {
	dir := &fakeDirectory{fetchResult: FetchResult{
		Status:     TokenReady,
		Credential: tokencache.Credential{AccessToken: "tok-1", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	b := newTestBroker(t, dir, nil)
	id := identity.EndUserIdentity("slack-T1-U1")

	start, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	result, err := b.CompleteSession(context.Background(), start.SessionHandle, id)
	if err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if result.AlreadyBound {
		t.Fatal("first completion reported AlreadyBound")
	}
	if result.Credential.AccessToken != "tok-1" {
		t.Fatalf("credential token = %q, want tok-1", result.Credential.AccessToken)
	}
	if result.Credential.OwnerIdentity != id {
		t.Fatalf("credential owner = %q, want %q", result.Credential.OwnerIdentity, id)
	}

	state, _ := b.SessionState(start.SessionHandle)
	if state != StateBound {
		t.Fatalf("state = %q, want BOUND", state)
	}
}

func TestCompleteSessionIdentityMismatchLeavesSessionCompletable(t *testing.T) {
	dir := &fakeDirectory{fetchResult: FetchResult{
		Status:     TokenReady,
		Credential: tokencache.Credential{AccessToken: "tok-1"},
	}}
	b := newTestBroker(t, dir, nil)
	owner := identity.EndUserIdentity("slack-T1-U1")
	intruder := identity.EndUserIdentity("slack-T1-U2")

	start, err := b.StartSession(context.Background(), owner)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	_, err = b.CompleteSession(context.Background(), start.SessionHandle, intruder)
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("err = %v, want ErrIdentityMismatch", err)
	}
	if _, finalizes, _ := dir.counts(); finalizes != 0 {
		t.Fatalf("finalize calls after mismatch = %d, want 0", finalizes)
	}
	state, _ := b.SessionState(start.SessionHandle)
	if state != StateAwaitingConsent {
		t.Fatalf("state after mismatch = %q, want AWAITING_CONSENT", state)
	}

	// The legitimate owner can still complete.
	if _, err := b.CompleteSession(context.Background(), start.SessionHandle, owner); err != nil {
		t.Fatalf("owner completion after mismatch: %v", err)
	}
}

func TestCompleteSessionDuplicateDeliveryIsIdempotent(t *testing.T) {
	dir := &fakeDirectory{fetchResult: FetchResult{
		Status:     TokenReady,
		Credential: tokencache.Credential{AccessToken: "tok-1"},
	}}
	b := newTestBroker(t, dir, nil)
	id := identity.EndUserIdentity("slack-T1-U1")

	start, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	first, err := b.CompleteSession(context.Background(), start.SessionHandle, id)
	if err != nil {
		t.Fatalf("first CompleteSession: %v", err)
	}
	second, err := b.CompleteSession(context.Background(), start.SessionHandle, id)
	if err != nil {
		t.Fatalf("second CompleteSession: %v", err)
	}
	if first.AlreadyBound || !second.AlreadyBound {
		t.Fatalf("AlreadyBound: first = %v, second = %v", first.AlreadyBound, second.AlreadyBound)
	}
	if second.Credential.AccessToken != first.Credential.AccessToken {
		t.Fatal("duplicate delivery returned a different credential")
	}
	if _, finalizes, _ := dir.counts(); finalizes != 1 {
		t.Fatalf("finalize calls = %d, want exactly 1", finalizes)
	}
}

func TestCompleteSessionRacingPollerBindsOnce(t *testing.T) {
	// The callback exchange can be in flight while a poller's directory
	// fetch binds the session first; the completion must then adopt that
	// binding instead of closing the done channel a second time.
	dir := &fakeDirectory{fetchResult: FetchResult{
		Status:     TokenReady,
		Credential: tokencache.Credential{AccessToken: "tok-race"},
	}}
	finalizing := make(chan struct{})
	release := make(chan struct{})
	dir.finalizeHook = func() {
		close(finalizing)
		<-release
	}
	b := newTestBroker(t, dir, nil)
	id := identity.EndUserIdentity("slack-T1-U1")

	start, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	var (
		pollResult PollResult
		pollErr    error
		wg         sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-finalizing
		pollResult, pollErr = b.PollForToken(context.Background(), start.SessionHandle, 5*time.Second)
		close(release)
	}()

	result, err := b.CompleteSession(context.Background(), start.SessionHandle, id)
	wg.Wait()
	if err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if pollErr != nil {
		t.Fatalf("PollForToken: %v", pollErr)
	}
	if pollResult.Status != PollBound || pollResult.Credential.AccessToken != "tok-race" {
		t.Fatalf("poll result = %+v, want bound tok-race", pollResult)
	}
	if result.Credential.AccessToken != "tok-race" {
		t.Fatalf("completion credential = %q, want tok-race", result.Credential.AccessToken)
	}
	if !result.AlreadyBound {
		t.Fatal("completion after the poller bound should report AlreadyBound")
	}
	if _, finalizes, _ := dir.counts(); finalizes != 1 {
		t.Fatalf("finalize calls = %d, want 1", finalizes)
	}
	if state, _ := b.SessionState(start.SessionHandle); state != StateBound {
		t.Fatalf("state = %q, want BOUND", state)
	}
}

func TestCompleteSessionUnknownHandle(t *testing.T) {
	b := newTestBroker(t, &fakeDirectory{}, nil)
	_, err := b.CompleteSession(context.Background(), "nope", "slack-T1-U1")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestCompleteSessionFinalizeFailureMarksFailed(t *testing.T) {
	dir := &fakeDirectory{finalizeErr: errors.New("exchange rejected")}
	b := newTestBroker(t, dir, nil)
	id := identity.EndUserIdentity("slack-T1-U1")

	start, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := b.CompleteSession(context.Background(), start.SessionHandle, id); err == nil {
		t.Fatal("expected finalize error")
	}
	state, _ := b.SessionState(start.SessionHandle)
	if state != StateFailed {
		t.Fatalf("state = %q, want FAILED", state)
	}
	if _, err := b.CompleteSession(context.Background(), start.SessionHandle, id); !errors.Is(err, ErrSessionFailed) {
		t.Fatalf("retry err = %v, want ErrSessionFailed", err)
	}
}

func TestSessionExpiresWithoutAnyPolling(t *testing.T) {
	dir := &fakeDirectory{}
	clock := newFakeClock()
	b := newTestBroker(t, dir, clock)
	id := identity.EndUserIdentity("slack-T1-U1")

	start, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	clock.Advance(DefaultSessionTTL + time.Minute)
	b.sweep()

	state, ok := b.SessionState(start.SessionHandle)
	if !ok || state != StateExpired {
		t.Fatalf("state = %q, ok = %v, want EXPIRED", state, ok)
	}
	if _, err := b.CompleteSession(context.Background(), start.SessionHandle, id); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if _, finalizes, _ := dir.counts(); finalizes != 0 {
		t.Fatalf("finalize calls on expired session = %d, want 0", finalizes)
	}
}

func TestExpiredSessionDoesNotBlockNewFlow(t *testing.T) {
	dir := &fakeDirectory{}
	clock := newFakeClock()
	b := newTestBroker(t, dir, clock)
	id := identity.EndUserIdentity("slack-T1-U1")

	first, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("first StartSession: %v", err)
	}
	clock.Advance(DefaultSessionTTL + time.Minute)

	second, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if second.SessionHandle == first.SessionHandle {
		t.Fatal("expired session was reused")
	}
	if starts, _, _ := dir.counts(); starts != 2 {
		t.Fatalf("directory start calls = %d, want 2", starts)
	}
}

func TestPollForTokenReturnsPendingWithURL(t *testing.T) {
	dir := &fakeDirectory{fetchResult: FetchResult{Status: TokenPending}}
	b := newTestBroker(t, dir, nil)
	id := identity.EndUserIdentity("slack-T1-U1")

	start, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	result, err := b.PollForToken(context.Background(), start.SessionHandle, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("PollForToken: %v", err)
	}
	if result.Status != PollPending {
		t.Fatalf("status = %q, want pending", result.Status)
	}
	if result.AuthorizationURL != start.AuthorizationURL {
		t.Fatalf("authorization url = %q, want %q", result.AuthorizationURL, start.AuthorizationURL)
	}
}

func TestPollForTokenWakesOnLocalCompletion(t *testing.T) {
	dir := &fakeDirectory{fetchResult: FetchResult{
		Status:     TokenReady,
		Credential: tokencache.Credential{AccessToken: "tok-1"},
	}}
	b := newTestBroker(t, dir, nil)
	id := identity.EndUserIdentity("slack-T1-U1")

	start, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = b.CompleteSession(context.Background(), start.SessionHandle, id)
	}()

	result, err := b.PollForToken(context.Background(), start.SessionHandle, 5*time.Second)
	if err != nil {
		t.Fatalf("PollForToken: %v", err)
	}
	if result.Status != PollBound {
		t.Fatalf("status = %q, want bound", result.Status)
	}
	if result.Credential.AccessToken != "tok-1" {
		t.Fatalf("token = %q, want tok-1", result.Credential.AccessToken)
	}
}

func TestPollForTokenFallsBackToDirectory(t *testing.T) {
	// The callback landed on another instance: local state never advances,
	// but the directory starts reporting a ready token.
	dir := &fakeDirectory{fetchResult: FetchResult{Status: TokenPending}}
	b := newTestBroker(t, dir, nil)
	id := identity.EndUserIdentity("slack-T1-U1")

	start, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	go func() {
		time.Sleep(25 * time.Millisecond)
		dir.setFetch(FetchResult{
			Status:     TokenReady,
			Credential: tokencache.Credential{AccessToken: "tok-remote"},
		}, nil)
	}()

	result, err := b.PollForToken(context.Background(), start.SessionHandle, 5*time.Second)
	if err != nil {
		t.Fatalf("PollForToken: %v", err)
	}
	if result.Status != PollBound {
		t.Fatalf("status = %q, want bound", result.Status)
	}
	if result.Credential.OwnerIdentity != id {
		t.Fatalf("credential owner = %q, want %q", result.Credential.OwnerIdentity, id)
	}
	state, _ := b.SessionState(start.SessionHandle)
	if state != StateBound {
		t.Fatalf("state = %q, want BOUND", state)
	}
}

func TestPollForTokenRecoversUndeliveredCredential(t *testing.T) {
	// Finalize succeeds but the follow-up token fetch fails, binding the
	// session without a credential. A later poller must still deliver it
	// from the directory at the poll cadence rather than spinning on the
	// already-closed completion signal.
	dir := &fakeDirectory{fetchErr: ErrUpstreamUnavailable}
	b := newTestBroker(t, dir, nil)
	id := identity.EndUserIdentity("slack-T1-U1")

	start, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	result, err := b.CompleteSession(context.Background(), start.SessionHandle, id)
	if err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if result.Credential.AccessToken != "" {
		t.Fatalf("credential token = %q, want empty while fetch is failing", result.Credential.AccessToken)
	}
	if state, _ := b.SessionState(start.SessionHandle); state != StateBound {
		t.Fatalf("state = %q, want BOUND", state)
	}

	dir.setFetch(FetchResult{
		Status:     TokenReady,
		Credential: tokencache.Credential{AccessToken: "tok-late"},
	}, nil)

	poll, err := b.PollForToken(context.Background(), start.SessionHandle, 2*time.Second)
	if err != nil {
		t.Fatalf("PollForToken: %v", err)
	}
	if poll.Status != PollBound || poll.Credential.AccessToken != "tok-late" {
		t.Fatalf("poll result = %+v, want bound tok-late", poll)
	}
	if poll.Credential.OwnerIdentity != id {
		t.Fatalf("credential owner = %q, want %q", poll.Credential.OwnerIdentity, id)
	}
}

func TestPollForTokenToleratesTransientFetchErrors(t *testing.T) {
	dir := &fakeDirectory{fetchErr: ErrUpstreamUnavailable}
	b := newTestBroker(t, dir, nil)
	id := identity.EndUserIdentity("slack-T1-U1")

	start, err := b.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	result, err := b.PollForToken(context.Background(), start.SessionHandle, 60*time.Millisecond)
	if err != nil {
		t.Fatalf("PollForToken: %v", err)
	}
	if result.Status != PollPending {
		t.Fatalf("status = %q, want pending despite fetch errors", result.Status)
	}
}

func TestPollForTokenObservesContextCancellation(t *testing.T) {
	dir := &fakeDirectory{fetchResult: FetchResult{Status: TokenPending}}
	b := newTestBroker(t, dir, nil)

	start, err := b.StartSession(context.Background(), "slack-T1-U1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.PollForToken(ctx, start.SessionHandle, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSweepDropsStaleTerminalSessions(t *testing.T) {
	dir := &fakeDirectory{}
	clock := newFakeClock()
	b := newTestBroker(t, dir, clock)

	start, err := b.StartSession(context.Background(), "slack-T1-U1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	clock.Advance(DefaultSessionTTL + time.Minute)
	b.sweep()
	if state, ok := b.SessionState(start.SessionHandle); !ok || state != StateExpired {
		t.Fatalf("state = %q, ok = %v, want EXPIRED", state, ok)
	}

	clock.Advance(terminalRetention + time.Minute)
	b.sweep()
	if _, ok := b.SessionState(start.SessionHandle); ok {
		t.Fatal("terminal session survived retention sweep")
	}
}

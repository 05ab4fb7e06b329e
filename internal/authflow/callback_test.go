package authflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/foie0222/mynion/internal/identity"
	"github.com/foie0222/mynion/internal/tokencache"
)

func newCallbackFixture(t *testing.T) (*CallbackHandler, *Broker, *StateCodec, *fakeDirectory) {
	t.Helper()
	dir := &fakeDirectory{fetchResult: FetchResult{
		Status:     TokenReady,
		Credential: tokencache.Credential{AccessToken: "tok-1"},
	}}
	codec, err := NewStateCodec([]byte("0123456789abcdef0123456789abcdef"), time.Minute)
	if err != nil {
		t.Fatalf("NewStateCodec: %v", err)
	}
	broker, err := NewBroker(BrokerConfig{
		Directory:  dir,
		StateCodec: codec,
		ReturnURL:  "https://mynion.example.com/oauth/callback",
	})
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	return NewCallbackHandler(broker, codec, nil, nil), broker, codec, dir
}

func callbackRequest(sessionID, state string) *http.Request {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if state != "" {
		q.Set("state", state)
	}
	return httptest.NewRequest(http.MethodGet, "/oauth/callback?"+q.Encode(), nil)
}

func TestCallbackCompletesSession(t *testing.T) {
	handler, broker, codec, _ := newCallbackFixture(t)
	id := identity.EndUserIdentity("slack-T1-U1")

	start, err := broker.StartSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	state, err := codec.Encode(id)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, callbackRequest(start.SessionHandle, state))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Authorization complete") {
		t.Fatalf("body does not contain success page: %s", rec.Body.String())
	}
	if got, _ := broker.SessionState(start.SessionHandle); got != StateBound {
		t.Fatalf("session state = %q, want BOUND", got)
	}
}

func TestCallbackRejectionsRenderIdenticalErrorPage(t *testing.T) {
	handler, broker, codec, _ := newCallbackFixture(t)
	owner := identity.EndUserIdentity("slack-T1-U1")

	start, err := broker.StartSession(context.Background(), owner)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	ownerState, _ := codec.Encode(owner)
	intruderState, _ := codec.Encode("slack-T1-U2")

	tests := []struct {
		name      string
		sessionID string
		state     string
	}{
		{"unknown session", "no-such-handle", ownerState},
		{"identity mismatch", start.SessionHandle, intruderState},
		{"garbage state", start.SessionHandle, "not-a-signed-claim"},
	}

	var bodies []string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, callbackRequest(tt.sessionID, tt.state))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), "Authentication failed") {
				t.Fatalf("body is not the error page: %s", rec.Body.String())
			}
			bodies = append(bodies, rec.Body.String())
		})
	}
	for i := 1; i < len(bodies); i++ {
		if bodies[i] != bodies[0] {
			t.Fatal("rejection pages differ between failure reasons")
		}
	}

	// None of the rejections advanced the session.
	if got, _ := broker.SessionState(start.SessionHandle); got != StateAwaitingConsent {
		t.Fatalf("session state = %q, want AWAITING_CONSENT", got)
	}
}

func TestCallbackMissingParameters(t *testing.T) {
	handler, _, _, _ := newCallbackFixture(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, callbackRequest("", ""))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCallbackRejectsNonGET(t *testing.T) {
	handler, _, _, _ := newCallbackFixture(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/oauth/callback", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

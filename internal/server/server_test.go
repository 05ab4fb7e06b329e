package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/foie0222/mynion/internal/authflow"
	"github.com/foie0222/mynion/internal/dispatch"
	"github.com/foie0222/mynion/internal/identity"
	"github.com/foie0222/mynion/internal/observability"
)

type stubDirectory struct{}

func (stubDirectory) RequestAuthorizationURL(ctx context.Context, id identity.EndUserIdentity, returnURL, callbackState string) (string, string, error) {
	return "https://auth.example.com/consent", "handle-1", nil
}

func (stubDirectory) FinalizeSession(ctx context.Context, handle string) error { return nil }

func (stubDirectory) FetchToken(ctx context.Context, handle string) (authflow.FetchResult, error) {
	return authflow.FetchResult{Status: authflow.TokenPending}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})

	codec, err := authflow.NewStateCodec([]byte(strings.Repeat("s", 32)), time.Minute)
	if err != nil {
		t.Fatalf("NewStateCodec: %v", err)
	}
	broker, err := authflow.NewBroker(authflow.BrokerConfig{
		Directory:  stubDirectory{},
		StateCodec: codec,
		ReturnURL:  "https://mynion.example.com/oauth/callback",
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}

	ingress, err := dispatch.NewIngress(dispatch.IngressConfig{
		SigningSecret: "test-signing-secret",
		Queue:         dispatch.NewQueue(8),
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("NewIngress: %v", err)
	}

	srv, err := New(Config{
		Addr:     "127.0.0.1:0",
		Ingress:  ingress,
		Callback: authflow.NewCallbackHandler(broker, codec, logger, nil),
		Broker:   broker,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func TestServerRoutes(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		if err := srv.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}()

	base := "http://" + srv.Addr()

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("healthz body = %q", body)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}

	// Unsigned event posts are rejected, not dropped on the floor.
	resp, err = http.Post(base+"/slack/events", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /slack/events: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned event status = %d, want 401", resp.StatusCode)
	}

	// The callback endpoint only answers GET.
	resp, err = http.Post(base+"/oauth/callback", "text/plain", strings.NewReader(""))
	if err != nil {
		t.Fatalf("POST /oauth/callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("callback POST status = %d, want 405", resp.StatusCode)
	}
}

func TestServerStopIsIdempotentWithDeadline(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr())); err == nil {
		t.Fatal("expected connection failure after Stop")
	}
}

func TestNewRequiresHandlers(t *testing.T) {
	if _, err := New(Config{Addr: ":0"}); err == nil {
		t.Fatal("expected an error without handlers")
	}
}

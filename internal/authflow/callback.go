package authflow

import (
	"errors"
	"net/http"

	"github.com/foie0222/mynion/internal/observability"
)

// CallbackHandler terminates the consent redirect from the Identity
// Directory. It decodes the signed identity claim from the state parameter
// and asks the broker to complete the session binding.
//
// Responses are HTML for the human who just consented; the HTTP status is
// not a protocol signal back to the third party. Every protocol rejection
// renders the same generic error page: distinguishing "not found" from
// "expired" from "mismatch" would hand a session-probing oracle to anyone
// replaying handles.
type CallbackHandler struct {
	broker  *Broker
	codec   *StateCodec
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewCallbackHandler creates the handler for GET /oauth/callback.
func NewCallbackHandler(broker *Broker, codec *StateCodec, logger *observability.Logger, metrics *observability.Metrics) *CallbackHandler {
	return &CallbackHandler{broker: broker, codec: codec, logger: logger, metrics: metrics}
}

// ServeHTTP handles GET /oauth/callback?session_id=<handle>&state=<claim>.
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		h.metrics.HTTPRequest("oauth_callback", "405")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	sessionHandle := query.Get("session_id")
	state := query.Get("state")

	if sessionHandle == "" || state == "" {
		h.logger.Warn(ctx, "oauth callback missing parameters",
			"has_session_id", sessionHandle != "",
			"has_state", state != "",
		)
		h.metrics.HTTPRequest("oauth_callback", "400")
		writeHTML(w, http.StatusBadRequest, errorHTML)
		return
	}

	claimedIdentity, err := h.codec.Decode(state)
	if err != nil {
		h.logger.Warn(ctx, "oauth callback state rejected", "error", err)
		h.metrics.HTTPRequest("oauth_callback", "200")
		writeHTML(w, http.StatusOK, errorHTML)
		return
	}

	_, err = h.broker.CompleteSession(ctx, sessionHandle, claimedIdentity)
	if err != nil {
		// Full detail stays in the log; the page stays generic.
		switch {
		case errors.Is(err, ErrSessionNotFound),
			errors.Is(err, ErrSessionExpired),
			errors.Is(err, ErrIdentityMismatch),
			errors.Is(err, ErrSessionFailed):
			h.logger.Warn(ctx, "oauth callback rejected", "session_handle", sessionHandle, "error", err)
		default:
			h.logger.Error(ctx, "oauth callback finalization failed", "session_handle", sessionHandle, "error", err)
		}
		h.metrics.HTTPRequest("oauth_callback", "200")
		writeHTML(w, http.StatusOK, errorHTML)
		return
	}

	h.metrics.HTTPRequest("oauth_callback", "200")
	writeHTML(w, http.StatusOK, successHTML)
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body)) //nolint:errcheck
}

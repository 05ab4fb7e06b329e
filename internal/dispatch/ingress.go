package dispatch

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/foie0222/mynion/internal/cache"
	"github.com/foie0222/mynion/internal/channels/slack"
	"github.com/foie0222/mynion/internal/observability"
)

// maxEventBody bounds the request body read from Slack.
const maxEventBody = 1 << 20

// dedupeTTL covers Slack's redelivery window with margin.
const dedupeTTL = 10 * time.Minute

// IngressConfig configures the events endpoint.
type IngressConfig struct {
	// SigningSecret verifies that requests originate from Slack. Required.
	SigningSecret string

	// Queue receives accepted envelopes. Required.
	Queue *Queue

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Ingress is the HTTP handler for the Slack Events API endpoint.
//
// Slack expects an acknowledgment within three seconds and redelivers on
// anything slower, so the handler does the minimum inline: verify the
// signature, answer URL verification, drop duplicates and bot chatter, and
// queue the rest for the worker pool. Everything that talks back to Slack or
// to the agent happens after the 200.
type Ingress struct {
	signingSecret string
	queue         *Queue
	dedupe        *cache.DedupeCache
	logger        *observability.Logger
	metrics       *observability.Metrics
}

// NewIngress creates the events endpoint handler.
func NewIngress(cfg IngressConfig) (*Ingress, error) {
	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	return &Ingress{
		signingSecret: cfg.SigningSecret,
		queue:         cfg.Queue,
		dedupe:        cache.NewDedupeCache(cache.DedupeOptions{TTL: dedupeTTL}),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}, nil
}

// ServeHTTP handles POST /slack/events.
func (i *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		i.metrics.HTTPRequest("slack_events", "405")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		i.metrics.HTTPRequest("slack_events", "400")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// The verifier also rejects stale timestamps, closing the replay window.
	verifier, err := slackapi.NewSecretsVerifier(r.Header, i.signingSecret)
	if err != nil {
		i.logger.Warn(ctx, "slack signature header rejected", "error", err)
		i.metrics.HTTPRequest("slack_events", "401")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := verifier.Write(body); err != nil {
		i.metrics.HTTPRequest("slack_events", "500")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := verifier.Ensure(); err != nil {
		i.logger.Warn(ctx, "slack signature mismatch", "error", err)
		i.metrics.HTTPRequest("slack_events", "401")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		i.logger.Warn(ctx, "unparseable slack event", "error", err)
		i.metrics.HTTPRequest("slack_events", "400")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			i.metrics.HTTPRequest("slack_events", "400")
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		i.metrics.HTTPRequest("slack_events", "200")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return
	case slackevents.CallbackEvent:
		i.handleCallback(r, event, body)
	}

	// Slack only needs the ack; result delivery happens out of band.
	i.metrics.HTTPRequest("slack_events", "200")
	w.WriteHeader(http.StatusOK)
}

func (i *Ingress) handleCallback(r *http.Request, event slackevents.EventsAPIEvent, body []byte) {
	ctx := r.Context()

	in, ok := normalize(event)
	if !ok {
		i.metrics.Envelope("filtered")
		return
	}
	if in.BotID != "" {
		// Bot chatter, including our own replies echoed back.
		i.metrics.Envelope("filtered")
		return
	}

	if key := dedupeKey(event, body, in); i.dedupe.Seen(key) {
		i.logger.Debug(ctx, "duplicate slack event dropped", "key", key)
		i.metrics.Envelope("duplicate")
		return
	}

	env, err := NewEnvelope(in)
	if err != nil {
		i.logger.Warn(ctx, "slack event missing identity fields", "error", err)
		i.metrics.Envelope("filtered")
		return
	}

	if !i.queue.Enqueue(env) {
		i.logger.Error(ctx, "dispatch queue full, dropping event",
			"channel", in.ChannelID, "event_ts", in.EventTS,
		)
		i.metrics.Envelope("dropped")
		return
	}
	i.metrics.Envelope("accepted")
}

// normalize flattens the two event shapes we answer into one.
func normalize(event slackevents.EventsAPIEvent) (slack.Inbound, bool) {
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		return slack.Inbound{
			TeamID:    event.TeamID,
			ChannelID: ev.Channel,
			UserID:    ev.User,
			Text:      ev.Text,
			ThreadTS:  ev.ThreadTimeStamp,
			EventTS:   ev.TimeStamp,
			Mention:   true,
			BotID:     ev.BotID,
		}, true
	case *slackevents.MessageEvent:
		if ev.SubType != "" {
			// Edits, deletions, joins and the like are not prompts.
			return slack.Inbound{}, false
		}
		return slack.Inbound{
			TeamID:      event.TeamID,
			ChannelID:   ev.Channel,
			ChannelType: ev.ChannelType,
			UserID:      ev.User,
			Text:        ev.Text,
			ThreadTS:    ev.ThreadTimeStamp,
			EventTS:     ev.TimeStamp,
			BotID:       ev.BotID,
		}, true
	default:
		return slack.Inbound{}, false
	}
}

// dedupeKey prefers Slack's event_id; redeliveries reuse it verbatim.
func dedupeKey(event slackevents.EventsAPIEvent, body []byte, in slack.Inbound) string {
	var outer struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(body, &outer); err == nil && outer.EventID != "" {
		return outer.EventID
	}
	return fmt.Sprintf("%s/%s/%s", event.TeamID, in.ChannelID, in.EventTS)
}

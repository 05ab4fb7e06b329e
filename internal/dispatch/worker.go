package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/foie0222/mynion/internal/channels/slack"
	"github.com/foie0222/mynion/internal/observability"
)

// Default pool tuning.
const (
	DefaultWorkers     = 4
	DefaultQueueSize   = 256
	DefaultTurnTimeout = 2 * time.Minute
)

// User-facing message text.
const (
	thinkingText = "thinking..."
	failureText  = "Something went wrong while handling that. Please try again."
)

// Queue is the bounded handoff between ingress and the worker pool.
type Queue struct {
	ch chan Envelope
}

// NewQueue creates a queue; size defaults to DefaultQueueSize.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Envelope, size)}
}

// Enqueue offers an envelope without blocking. It reports false when the
// queue is full; the caller decides whether dropping is acceptable.
func (q *Queue) Enqueue(env Envelope) bool {
	select {
	case q.ch <- env:
		return true
	default:
		return false
	}
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Reply is what the agent produced for one turn.
type Reply struct {
	Text string

	// AuthRequired means the turn could not run because the user has not
	// authorized the backing resource; AuthorizationURL is where they do so.
	AuthRequired     bool
	AuthorizationURL string
}

// Responder runs one agent turn for an envelope.
type Responder interface {
	Respond(ctx context.Context, env Envelope, prompt string) (Reply, error)
}

// Messenger is the slice of the Slack client the workers use.
type Messenger interface {
	ShouldRespond(ctx context.Context, in slack.Inbound) (bool, error)
	PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error)
	UpdateMessage(ctx context.Context, channelID, timestamp, text string) error
}

// PoolConfig configures a worker pool.
type PoolConfig struct {
	Queue     *Queue
	Messenger Messenger
	Responder Responder

	// Workers overrides DefaultWorkers when positive.
	Workers int

	// TurnTimeout bounds one agent turn. Defaults to DefaultTurnTimeout.
	TurnTimeout time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Pool consumes envelopes and drives the post-ack half of a turn: the
// respond/ignore decision, the placeholder message, the agent call, and the
// final update.
type Pool struct {
	queue       *Queue
	messenger   Messenger
	responder   Responder
	workers     int
	turnTimeout time.Duration
	logger      *observability.Logger
	metrics     *observability.Metrics
	wg          sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if cfg.Responder == nil {
		return nil, fmt.Errorf("responder is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	timeout := cfg.TurnTimeout
	if timeout <= 0 {
		timeout = DefaultTurnTimeout
	}
	return &Pool{
		queue:       cfg.Queue,
		messenger:   cfg.Messenger,
		responder:   cfg.Responder,
		workers:     workers,
		turnTimeout: timeout,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Start launches the workers. They exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for n := 0; n < p.workers; n++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-p.queue.ch:
					p.handle(ctx, env)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) handle(ctx context.Context, env Envelope) {
	in := env.Inbound

	respond, err := p.messenger.ShouldRespond(ctx, in)
	if err != nil {
		p.logger.Error(ctx, "respond decision failed", "channel", in.ChannelID, "error", err)
		return
	}
	if !respond {
		p.metrics.Envelope("filtered")
		return
	}

	// Replies always thread under the triggering message.
	threadTS := in.ThreadTS
	if threadTS == "" {
		threadTS = in.EventTS
	}

	placeholderTS, err := p.messenger.PostMessage(ctx, in.ChannelID, threadTS, thinkingText)
	if err != nil {
		p.logger.Error(ctx, "failed to post placeholder", "channel", in.ChannelID, "error", err)
		return
	}

	turnCtx, cancel := context.WithTimeout(ctx, p.turnTimeout)
	defer cancel()

	start := time.Now()
	reply, err := p.responder.Respond(turnCtx, env, slack.CleanMention(in.Text))
	elapsed := time.Since(start).Seconds()

	var final string
	switch {
	case err != nil:
		p.metrics.AgentTurn("error", elapsed)
		p.logger.Error(ctx, "agent turn failed",
			"session_id", env.SessionID, "error", err,
		)
		final = failureText
	case reply.AuthRequired:
		p.metrics.AgentTurn("auth_required", elapsed)
		final = fmt.Sprintf("Before I can help with that, please authorize access here:\n%s\n\nThen ask me again.", reply.AuthorizationURL)
	default:
		p.metrics.AgentTurn("success", elapsed)
		final = reply.Text
	}
	if final == "" {
		final = failureText
	}

	if err := p.messenger.UpdateMessage(ctx, in.ChannelID, placeholderTS, final); err != nil {
		p.logger.Error(ctx, "failed to update reply", "channel", in.ChannelID, "error", err)
	}
}

// Package slack wraps the Slack Web API calls this service makes: posting
// and updating messages, resolving the bot's own identity, and deciding
// whether an inbound event deserves a response.
package slack

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/slack-go/slack"
)

// threadLookbackLimit bounds how many thread replies are inspected when
// checking for prior bot participation.
const threadLookbackLimit = 5

// APIClient is the slice of the Slack Web API the client uses. It allows
// mock injection during testing; slack.Client satisfies it.
type APIClient interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
}

var _ APIClient = (*slack.Client)(nil)

// Client is a thin wrapper over the Slack Web API with a cached bot user ID.
type Client struct {
	api APIClient

	botUserIDMu sync.RWMutex
	botUserID   string
}

// NewClient creates a client authenticated with a bot token.
func NewClient(botToken string) *Client {
	return &Client{api: slack.New(botToken)}
}

// NewClientWithAPI creates a client over an injected API, for tests.
func NewClientWithAPI(api APIClient) *Client {
	return &Client{api: api}
}

// BotUserID returns this bot's own user ID, resolved once via auth.test and
// cached for the process lifetime.
func (c *Client) BotUserID(ctx context.Context) (string, error) {
	c.botUserIDMu.RLock()
	id := c.botUserID
	c.botUserIDMu.RUnlock()
	if id != "" {
		return id, nil
	}

	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve bot user id: %w", err)
	}

	c.botUserIDMu.Lock()
	c.botUserID = resp.UserID
	c.botUserIDMu.Unlock()
	return resp.UserID, nil
}

// PostMessage posts text to a channel, threading it under threadTS when set.
// It returns the new message's timestamp.
func (c *Client) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	options := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}
	_, timestamp, err := c.api.PostMessageContext(ctx, channelID, options...)
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return timestamp, nil
}

// UpdateMessage replaces the text of an existing message.
func (c *Client) UpdateMessage(ctx context.Context, channelID, timestamp, text string) error {
	_, _, _, err := c.api.UpdateMessageContext(ctx, channelID, timestamp, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// BotInThread reports whether this bot already posted in the thread. Only
// the first few replies are inspected; a long-running thread the bot joined
// late is treated as not ours.
func (c *Client) BotInThread(ctx context.Context, channelID, threadTS string) (bool, error) {
	botID, err := c.BotUserID(ctx)
	if err != nil {
		return false, err
	}

	messages, _, _, err := c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     threadLookbackLimit,
	})
	if err != nil {
		return false, fmt.Errorf("fetch thread replies: %w", err)
	}

	for _, msg := range messages {
		if msg.User == botID {
			return true, nil
		}
	}
	return false, nil
}

// Inbound is a normalized inbound Slack message event.
type Inbound struct {
	TeamID      string
	ChannelID   string
	ChannelType string
	UserID      string
	Text        string
	ThreadTS    string
	EventTS     string

	// Mention is set when the event arrived as an explicit app mention.
	Mention bool

	// BotID is non-empty for bot-authored messages, including our own.
	BotID string
}

// ShouldRespond decides whether the bot answers an inbound message: explicit
// mentions and direct messages always, thread replies only when the bot is
// already a participant. Bot-authored messages are never answered.
func (c *Client) ShouldRespond(ctx context.Context, in Inbound) (bool, error) {
	if in.BotID != "" {
		return false, nil
	}
	botID, err := c.BotUserID(ctx)
	if err != nil {
		return false, err
	}
	if in.UserID == botID {
		return false, nil
	}
	if in.Mention || strings.Contains(in.Text, "<@"+botID+">") {
		return true, nil
	}
	if in.ChannelType == "im" {
		return true, nil
	}
	if in.ThreadTS != "" {
		return c.BotInThread(ctx, in.ChannelID, in.ThreadTS)
	}
	return false, nil
}

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+>`)

// CleanMention strips user mention markup from message text.
func CleanMention(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

// ConversationID returns the stable per-thread conversation key: the thread
// timestamp when the message is threaded, otherwise the event timestamp that
// roots a new thread.
func (in Inbound) ConversationID() string {
	ts := in.ThreadTS
	if ts == "" {
		ts = in.EventTS
	}
	return fmt.Sprintf("%s-%s-%s", in.TeamID, in.ChannelID, ts)
}

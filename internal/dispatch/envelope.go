// Package dispatch moves inbound Slack events from the fast-ack HTTP edge to
// background workers that run the agent and post replies.
package dispatch

import (
	"github.com/foie0222/mynion/internal/channels/slack"
	"github.com/foie0222/mynion/internal/identity"
)

// Envelope is one unit of work handed from ingress to a worker. It carries
// everything the worker needs so no request state outlives the HTTP ack.
type Envelope struct {
	// Inbound is the normalized Slack event.
	Inbound slack.Inbound

	// OwnerIdentity is the end-user identity derived from the event's team
	// and user, the key for all credential handling downstream.
	OwnerIdentity identity.EndUserIdentity

	// SessionID is the deterministic conversation-scoped session identifier.
	SessionID string
}

// NewEnvelope derives the identity and session keys for an inbound message.
func NewEnvelope(in slack.Inbound) (Envelope, error) {
	owner, err := identity.FromSlack(in.TeamID, in.UserID)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Inbound:       in,
		OwnerIdentity: owner,
		SessionID:     identity.DeriveSessionID(in.ConversationID()),
	}, nil
}

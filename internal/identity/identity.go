// Package identity derives stable end-user identities and runtime session
// identifiers from chat platform metadata.
//
// The identity is the sole key for token caching and authorization session
// binding, so the derivation must be stable across invocations and must never
// map two distinct users to the same value.
package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EndUserIdentity is an opaque, stable identifier for the human on whose
// behalf a resource credential is requested. It is independent of any
// particular channel message and survives across compute invocations.
type EndUserIdentity string

// String returns the identity as a plain string.
func (id EndUserIdentity) String() string {
	return string(id)
}

// FromSlack builds the canonical identity for a Slack user within a
// workspace. The team id is included because Slack user ids are only unique
// per workspace.
func FromSlack(teamID, userID string) (EndUserIdentity, error) {
	teamID = strings.TrimSpace(teamID)
	userID = strings.TrimSpace(userID)
	if teamID == "" {
		return "", fmt.Errorf("team id is required")
	}
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	return EndUserIdentity(fmt.Sprintf("slack-%s-%s", teamID, userID)), nil
}

// MinSessionIDLength is the minimum session identifier length accepted by the
// downstream agent runtime.
const MinSessionIDLength = 33

// sessionNamespace is the fixed UUIDv5 namespace for session id derivation.
// Changing it remaps every conversation to a new runtime session.
var sessionNamespace = uuid.MustParse("a1b2c3d4-e5f6-5678-9abc-def012345678")

// DeriveSessionID deterministically expands a conversation identifier (a
// Slack thread timestamp) into a runtime session id. Thread timestamps are
// shorter than MinSessionIDLength, so the conversation id is hashed into a
// fixed-namespace UUIDv5 rather than used directly. The derivation is pure:
// the same conversation always maps to the same session.
func DeriveSessionID(conversationID string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(conversationID)).String()
}

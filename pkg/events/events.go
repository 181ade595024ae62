// Package events defines the wire contract between the gateway and its
// clients: event names, payload types, error codes and room naming. Both
// the server and pkg/gatewayclient import it, so the two sides can never
// drift apart.
package events

import "encoding/json"

// Frame is the envelope for every message on the wire, in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a Frame for event.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

// Server → client events.
const (
	Connected         = "connected"
	Error             = "error"
	Pong              = "pong"
	UserOnline        = "userOnline"
	UserOffline       = "userOffline"
	PresenceUpdate    = "presenceUpdate"
	Notification      = "notification"
	PostCreated       = "postCreated"
	PostUpdated       = "postUpdated"
	PostDeleted       = "postDeleted"
	CommentCreated    = "commentCreated"
	CommentUpdated    = "commentUpdated"
	CommentDeleted    = "commentDeleted"
	ReactionAdded     = "reactionAdded"
	ReactionRemoved   = "reactionRemoved"
	UserTyping        = "userTyping"
	UserStoppedTyping = "userStoppedTyping"
	MessageReceived   = "messageReceived"
	MessageRead       = "messageRead"
	WatchPartyUpdate  = "watchPartyUpdate"
)

// Client → server events.
const (
	Ping                        = "ping"
	Heartbeat                   = "heartbeat"
	UpdatePresence              = "updatePresence"
	SubscribeToPost             = "subscribeToPost"
	UnsubscribeFromPost         = "unsubscribeFromPost"
	SubscribeToConversation     = "subscribeToConversation"
	UnsubscribeFromConversation = "unsubscribeFromConversation"
	StartTyping                 = "startTyping"
	StopTyping                  = "stopTyping"
	SendMessage                 = "sendMessage"
	MarkMessageRead             = "markMessageRead"
	AddReaction                 = "addReaction"
	RemoveReaction              = "removeReaction"
	JoinWatchParty              = "joinWatchParty"
	LeaveWatchParty             = "leaveWatchParty"
	UpdateWatchParty            = "updateWatchParty"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeAuthUnavailable = "AUTH_UNAVAILABLE"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeActionFailed    = "ACTION_FAILED"
	CodeTimeout         = "TIMEOUT"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// Identity is the authenticated principal attached to a connection.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ConnectedPayload acknowledges a successful handshake.
type ConnectedPayload struct {
	ConnID   string `json:"connId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ErrorPayload is a targeted error event for the originating connection.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// PingPayload is echoed back verbatim as Pong; SentAt is the sender's
// clock in unix nanoseconds, so round-trip time needs no clock sync.
type PingPayload struct {
	SentAt int64 `json:"sentAt"`
}

// PresencePayload carries a presence state change.
type PresencePayload struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	Location string `json:"location,omitempty"`
}

// UserOfflinePayload announces a user going offline.
type UserOfflinePayload struct {
	UserID string `json:"userId"`
}

// TypingSignal is the client → server start/stop typing payload.
type TypingSignal struct {
	ChannelID   string `json:"channelId"`
	ChannelType string `json:"channelType,omitempty"`
}

// TypingPayload is the server → client typing broadcast.
type TypingPayload struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	ChannelID string `json:"channelId"`
}

// ReactionRequest is the client → server add/remove reaction payload.
type ReactionRequest struct {
	EntityType   string `json:"entityType"`
	EntityID     string `json:"entityId"`
	ReactionType string `json:"reactionType"`
}

// ReactionPayload is the server → client reaction broadcast. Counts is
// always a full recomputation, never a delta.
type ReactionPayload struct {
	EntityType   string         `json:"entityType"`
	EntityID     string         `json:"entityId"`
	ReactionType string         `json:"reactionType"`
	UserID       string         `json:"userId"`
	Counts       map[string]int `json:"counts"`
}

// SendMessageRequest is the client → server direct message payload.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Type           string `json:"type,omitempty"`
}

// Message is the server → client messageReceived payload.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Content        string `json:"content"`
	Type           string `json:"type,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// MarkReadRequest is the client → server read receipt payload.
type MarkReadRequest struct {
	MessageID string `json:"messageId"`
}

// MessageReadPayload is the server → client read receipt broadcast.
type MessageReadPayload struct {
	MessageID string `json:"messageId"`
	ReadBy    string `json:"readBy"`
}

// SubscribeRequest addresses a post, conversation or watch party by id.
type SubscribeRequest struct {
	ID string `json:"id"`
}

// WatchPartyPayload is the server → client watch party broadcast. Action
// is "joined", "left" or "playback"; State carries the relayed playback
// state for "playback" actions.
type WatchPartyPayload struct {
	PartyID  string          `json:"partyId"`
	UserID   string          `json:"userId"`
	Username string          `json:"username,omitempty"`
	Action   string          `json:"action"`
	State    json.RawMessage `json:"state,omitempty"`
}

// Room naming. A room's id is embedded in the backplane subject, so the
// gateway rejects ids containing whitespace or NATS wildcards ('*', '>')
// before they reach a publish. Dots are fine; the room subscription uses
// a multi-token wildcard and routes by the envelope, not the subject.
func UserRoom(userID string) string         { return "user:" + userID }
func PostRoom(postID string) string         { return "post:" + postID }
func ConversationRoom(convID string) string { return "conversation:" + convID }
func PartyRoom(partyID string) string       { return "party:" + partyID }

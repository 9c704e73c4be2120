// Package v1 defines the shuttlechat realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and the dashboard clients to keep the
// wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake and carries the access token (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationJoin subscribes the connection to a conversation (client -> server).
	TypeConversationJoin = "conversation_join"
	// TypeConversationJoined confirms a join (server -> client).
	TypeConversationJoined = "conversation_joined"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> sender).
	TypeMessageAck = "message_ack"
	// TypeMessageNew broadcasts an accepted message (server -> other participants).
	TypeMessageNew = "message_new"
	// TypeMessageDelivered notifies the sender that a message reached a recipient (server -> sender).
	TypeMessageDelivered = "message_delivered"
	// TypeMessageRead notifies the sender that a recipient read a message (server -> sender).
	TypeMessageRead = "message_read"

	// TypeReadSend acknowledges that the client read a specific message (client -> server).
	TypeReadSend = "read_send"

	// TypeTyping signals that the client started or stopped composing (client -> server).
	TypeTyping = "typing"
	// TypeTypingState relays a participant's typing state (server -> other participants).
	TypeTypingState = "typing_state"

	// TypePresenceUpdate relays online/offline transitions of conversation peers (server -> client).
	TypePresenceUpdate = "presence_update"

	// TypeHistoryFetch requests a window of conversation history (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a window of history (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationJoin,
		TypeConversationJoined,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeMessageDelivered,
		TypeMessageRead,
		TypeReadSend,
		TypeTyping,
		TypeTypingState,
		TypePresenceUpdate,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload carries the access token minted by the auth service.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload confirms authentication and reports the session identity.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
}

// ConversationJoinPayload requests a subscription to a conversation.
type ConversationJoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationJoinedPayload confirms a subscription.
type ConversationJoinedPayload struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
}

// MessageSendPayload requests sending a message into a conversation.
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	Body           string `json:"body"`
	Kind           string `json:"kind,omitempty"`
	ReplyToID      string `json:"reply_to_id,omitempty"`
}

// MessageAckPayload acknowledges a send request with the canonical server ids.
type MessageAckPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	MessageID      string `json:"message_id"`
	Seq            int64  `json:"seq"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

// MessagePayload is the canonical message representation on the wire.
// It is used by message_new, message_delivered, message_read and history_chunk.
type MessagePayload struct {
	ConversationID string     `json:"conversation_id"`
	MessageID      string     `json:"message_id"`
	Seq            int64      `json:"seq"`
	SenderID       string     `json:"sender_id"`
	Body           string     `json:"body,omitempty"`
	Kind           string     `json:"kind"`
	ReplyToID      string     `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// ReadSendPayload acknowledges that the client viewed a message.
type ReadSendPayload struct {
	MessageID string `json:"message_id"`
}

// TypingPayload signals composing start/stop for a conversation.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

// TypingStatePayload relays a peer's typing state.
type TypingStatePayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Typing         bool      `json:"typing"`
	At             time.Time `json:"at"`
}

// PresenceUpdatePayload relays a peer's online/offline transition.
type PresenceUpdatePayload struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// HistoryFetchPayload requests a history window for a conversation.
type HistoryFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	AfterSeq       *int64 `json:"after_seq,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// HistoryChunkPayload returns messages for a history fetch request.
type HistoryChunkPayload struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []MessagePayload `json:"messages"`
	HasMore        bool             `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

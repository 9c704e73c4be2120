package chat

import (
	"context"
	"time"
)

// Store is the persistence adapter for the messaging core.
//
// Requirements:
//   - FindOrCreateConversation must converge concurrent calls for the same
//     participant set + kind onto a single conversation row.
//   - AppendMessage must atomically insert the message, allocate a strictly
//     monotonic per-conversation seq, and bump the conversation updated_at.
//   - Idempotency per (conversation_id, client_msg_id) when a client id is set.
//   - Delivered/read stamps are monotonic: no transition ever regresses.
//
// Errors are mapped onto the package taxonomy (ErrValidation, ErrForbidden,
// ErrNotFound, ErrConflict, ErrStorageUnavailable).
type Store interface {
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)

	FindOrCreateConversation(ctx context.Context, in FindOrCreateInput) (FindOrCreateResult, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error)
	ArchiveConversation(ctx context.Context, id string) error

	Participants(ctx context.Context, conversationID string) ([]Participant, error)
	IsActiveParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	// PeersOf returns the distinct other users sharing an active conversation
	// with userID. Used for presence fanout.
	PeersOf(ctx context.Context, userID string) ([]string, error)

	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	ListMessages(ctx context.Context, in HistoryInput) (HistoryResult, error)
	// MarkDelivered stamps delivered_at once. The bool reports whether the
	// call changed state (false means it was already delivered).
	MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) (Message, bool, error)
	// MarkRead stamps read_at once, implying delivered_at, and advances the
	// recipient's last-read marker for unread counting.
	MarkRead(ctx context.Context, messageID, recipientID string, at time.Time) (Message, bool, error)
	// DeliverPending stamps delivered_at on every undelivered message
	// addressed to recipientID, in (conversation, seq) order. Used by the
	// gateway's delivery sweep on reconnect.
	DeliverPending(ctx context.Context, recipientID string, at time.Time) ([]Message, error)
	SoftDeleteMessage(ctx context.Context, messageID, senderID string, at time.Time) error

	SetTyping(ctx context.Context, conversationID, userID string, typing bool, at time.Time) error
	// ListTyping returns currently-typing participants. Signals older than
	// TypingTTL are treated as stopped regardless of an explicit stop.
	ListTyping(ctx context.Context, conversationID string, now time.Time) ([]TypingIndicator, error)

	Close() error
}

// FindOrCreateInput describes a find-or-create conversation request.
type FindOrCreateInput struct {
	ParticipantIDs []string
	Kind           Kind
	TripID         string
	Title          string
	Now            time.Time
}

// FindOrCreateResult is the find-or-create outcome.
type FindOrCreateResult struct {
	Conversation   Conversation
	ParticipantIDs []string
	Created        bool
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID string
	SenderID       string
	ClientMsgID    string
	Body           string
	Kind           MessageKind
	ReplyToID      string
	Now            time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Message    Message
	Duplicated bool
}

// HistoryInput describes a history query request.
type HistoryInput struct {
	ConversationID string
	AfterSeq       *int64
	Limit          int
}

// HistoryResult contains the retrieved history window in seq ASC order.
type HistoryResult struct {
	Messages []Message
	HasMore  bool
}

// History paging bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// ClampHistoryLimit normalizes a requested page size.
func ClampHistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// Package chat contains the shuttlechat messaging core: the persistence
// adapter contract, the conversation manager and the message pipeline.
package chat

import "time"

// Role is the caller's role as asserted by the auth service token.
type Role string

// Known roles.
const (
	RoleStudent Role = "student"
	RoleDriver  Role = "driver"
	RoleAdmin   Role = "admin"
	RoleSupport Role = "support"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleStudent, RoleDriver, RoleAdmin, RoleSupport:
		return true
	}
	return false
}

// Kind tags the participant pairing a conversation serves.
type Kind string

// Conversation kinds.
const (
	KindStudentDriver  Kind = "student_driver"
	KindStudentSupport Kind = "student_support"
	KindDriverSupport  Kind = "driver_support"
	KindAdminMonitor   Kind = "admin_monitor"
)

// ValidKind reports whether k is a known conversation kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindStudentDriver, KindStudentSupport, KindDriverSupport, KindAdminMonitor:
		return true
	}
	return false
}

// Status is a conversation lifecycle state.
type Status string

// Conversation statuses.
const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// MessageKind tags the message body type.
type MessageKind string

// Message kinds.
const (
	MessageText     MessageKind = "text"
	MessageImage    MessageKind = "image"
	MessageLocation MessageKind = "location"
	MessageFile     MessageKind = "file"
	MessageSystem   MessageKind = "system"
)

// ValidMessageKind reports whether k is a known message kind.
func ValidMessageKind(k MessageKind) bool {
	switch k {
	case MessageText, MessageImage, MessageLocation, MessageFile, MessageSystem:
		return true
	}
	return false
}

// User is the slice of the auth-owned user entity the core reads.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is an addressable channel for a fixed participant set.
type Conversation struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	TripID    string    `json:"trip_id,omitempty"`
	Title     string    `json:"title,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participant binds a user to a conversation with a join/leave lifecycle.
type Participant struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
	Active         bool       `json:"active"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
}

// Message is a persisted conversation message.
//
// Lifecycle: created -> delivered -> read. DeliveredAt and ReadAt are
// monotonic: once set they never regress, and ReadAt implies DeliveredAt.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Seq            int64       `json:"seq"`
	SenderID       string      `json:"sender_id"`
	ClientMsgID    string      `json:"client_msg_id,omitempty"`
	Body           string      `json:"body"`
	Kind           MessageKind `json:"kind"`
	ReplyToID      string      `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	DeliveredAt    *time.Time  `json:"delivered_at,omitempty"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
	DeletedAt      *time.Time  `json:"deleted_at,omitempty"`
}

// Delivered reports whether the message reached at least one recipient.
func (m Message) Delivered() bool { return m.DeliveredAt != nil }

// Read reports whether a recipient acknowledged the message.
func (m Message) Read() bool { return m.ReadAt != nil }

// ConversationSummary annotates a conversation for a user's inbox listing.
type ConversationSummary struct {
	Conversation
	ParticipantIDs []string   `json:"participant_ids"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	UnreadCount    int        `json:"unread_count"`
}

// TypingIndicator is the ephemeral composing signal for a (user, conversation) pair.
type TypingIndicator struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Typing         bool      `json:"typing"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TypingTTL is how long a typing signal stays meaningful without a refresh.
// Evaluated at read time; stale rows are also purged on each typing upsert.
const TypingTTL = 5 * time.Minute

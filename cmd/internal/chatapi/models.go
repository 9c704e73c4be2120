package chatapi

import (
	"time"

	"shuttlechat/cmd/internal/chat"
	"shuttlechat/cmd/internal/presence"
)

type createConversationRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	Kind           string   `json:"kind"`
	TripID         string   `json:"trip_id,omitempty"`
	Title          string   `json:"title,omitempty"`
}

type conversationResponse struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	TripID         string    `json:"trip_id,omitempty"`
	Title          string    `json:"title,omitempty"`
	Status         string    `json:"status"`
	ParticipantIDs []string  `json:"participant_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Created        bool      `json:"created,omitempty"`
}

type conversationSummaryResponse struct {
	conversationResponse
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int        `json:"unread_count"`
}

type listConversationsResponse struct {
	Conversations []conversationSummaryResponse `json:"conversations"`
}

type sendMessageRequest struct {
	Body        string `json:"body"`
	Kind        string `json:"kind,omitempty"`
	ReplyToID   string `json:"reply_to_id,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

type messageResponse struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Seq            int64      `json:"seq"`
	SenderID       string     `json:"sender_id"`
	Body           string     `json:"body,omitempty"`
	Kind           string     `json:"kind"`
	ReplyToID      string     `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	Duplicate      bool       `json:"duplicate,omitempty"`
}

type historyResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []messageResponse `json:"messages"`
	HasMore        bool              `json:"has_more"`
}

type onlineResponse struct {
	Users []presence.UserSummary `json:"users"`
}

func toConversationResponse(c chat.Conversation, participantIDs []string, created bool) conversationResponse {
	return conversationResponse{
		ID:             c.ID,
		Kind:           string(c.Kind),
		TripID:         c.TripID,
		Title:          c.Title,
		Status:         string(c.Status),
		ParticipantIDs: participantIDs,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		Created:        created,
	}
}

func toMessageResponse(m chat.Message, duplicate bool) messageResponse {
	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Kind:           string(m.Kind),
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
		Duplicate:      duplicate,
	}
}

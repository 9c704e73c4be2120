package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Max message body length in runes. Keeps bodies under the gateway's
// 64 KiB frame read limit with JSON overhead to spare.
const MaxBodyChars = 4000

// EventSink receives pipeline fanout events. The realtime gateway implements
// it by pushing envelopes to each recipient's open connections; pushes to
// offline recipients are silently dropped (those messages stay in the
// created state until the delivery sweep on their next connect).
type EventSink interface {
	MessageNew(recipients []string, m Message)
	MessageDelivered(recipients []string, m Message)
	MessageRead(recipients []string, m Message)
	TypingChanged(recipients []string, t TypingIndicator)
}

// NopSink discards all events. Used when no gateway is attached (tests, CLI).
type NopSink struct{}

func (NopSink) MessageNew(_ []string, _ Message)       {}
func (NopSink) MessageDelivered(_ []string, _ Message) {}
func (NopSink) MessageRead(_ []string, _ Message)      {}
func (NopSink) TypingChanged(_ []string, _ TypingIndicator) {}

// Presence is the slice of the presence registry the pipeline needs.
type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Metrics counts pipeline transitions. Any nil counter disables that metric.
type Metrics struct {
	Sent      prometheus.Counter
	Delivered prometheus.Counter
	Read      prometheus.Counter
}

func (m *Metrics) incSent() {
	if m != nil && m.Sent != nil {
		m.Sent.Inc()
	}
}

func (m *Metrics) incDelivered() {
	if m != nil && m.Delivered != nil {
		m.Delivered.Inc()
	}
}

func (m *Metrics) incRead() {
	if m != nil && m.Read != nil {
		m.Read.Inc()
	}
}

// Service is the conversation manager and message pipeline.
//
// Each conversation's message sequence is the unit of serialization: Send
// holds a per-conversation lock across persist + fanout so that concurrent
// sends get distinct, order-preserving positions and recipients observe
// events in that same order.
type Service struct {
	log      *slog.Logger
	store    Store
	presence Presence
	metrics  *Metrics

	mu   sync.Mutex
	sink EventSink

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService constructs a Service. presence and metrics may be nil.
func NewService(log *slog.Logger, store Store, presence Presence, metrics *Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:      log,
		store:    store,
		presence: presence,
		metrics:  metrics,
		sink:     NopSink{},
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetSink attaches the event sink. Called once by the gateway during wiring.
func (s *Service) SetSink(sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sink == nil {
		sink = NopSink{}
	}
	s.sink = sink
}

func (s *Service) events() EventSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

func (s *Service) convLock(conversationID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	return l
}

// ---- conversation manager ----

// CreateOrFindInput describes a conversation-initiation request.
type CreateOrFindInput struct {
	ParticipantIDs []string
	Kind           Kind
	TripID         string
	Title          string
	ActorID        string
	ActorRole      Role
}

// CreateOrFind returns the active conversation for the exact participant
// set + kind, creating it when absent. The actor must be in the participant
// set unless they are an admin.
func (s *Service) CreateOrFind(ctx context.Context, in CreateOrFindInput) (FindOrCreateResult, error) {
	ids := uniqueIDs(in.ParticipantIDs)
	if len(ids) < 2 {
		return FindOrCreateResult{}, fmt.Errorf("%w: need at least two distinct participants", ErrValidation)
	}
	if !ValidKind(in.Kind) {
		return FindOrCreateResult{}, fmt.Errorf("%w: unknown conversation kind %q", ErrValidation, in.Kind)
	}
	if in.ActorRole != RoleAdmin && !contains(ids, in.ActorID) {
		return FindOrCreateResult{}, fmt.Errorf("%w: caller is not in the participant set", ErrForbidden)
	}

	res, err := s.store.FindOrCreateConversation(ctx, FindOrCreateInput{
		ParticipantIDs: ids,
		Kind:           in.Kind,
		TripID:         in.TripID,
		Title:          in.Title,
	})
	if err != nil {
		return FindOrCreateResult{}, err
	}
	if res.Created {
		s.log.Info("chat.conversation.create",
			"conversation_id", res.Conversation.ID,
			"kind", string(res.Conversation.Kind),
			"participants", len(res.ParticipantIDs),
		)
	}
	return res, nil
}

// RecordUser refreshes the local projection of an auth-owned user. Called on
// every authenticated handshake so names and roles stay current without a
// dedicated sync job.
func (s *Service) RecordUser(ctx context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("%w: missing user id", ErrValidation)
	}
	if !ValidRole(u.Role) {
		return fmt.Errorf("%w: unknown role %q", ErrValidation, u.Role)
	}
	return s.store.UpsertUser(ctx, u)
}

// ListConversations lists the user's active conversations with unread counts.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrValidation
	}
	return s.store.ListConversations(ctx, userID)
}

// Archive sets a conversation to archived. Only an active participant or an
// admin may archive. Archived conversations stay readable by direct fetch.
func (s *Service) Archive(ctx context.Context, conversationID, actorID string, actorRole Role) error {
	if err := s.authorize(ctx, conversationID, actorID, actorRole); err != nil {
		return err
	}
	if err := s.store.ArchiveConversation(ctx, conversationID); err != nil {
		return err
	}
	s.log.Info("chat.conversation.archive", "conversation_id", conversationID, "actor", actorID)
	return nil
}

// GetConversation fetches a conversation the actor may access.
func (s *Service) GetConversation(ctx context.Context, conversationID, actorID string, actorRole Role) (Conversation, error) {
	if err := s.authorize(ctx, conversationID, actorID, actorRole); err != nil {
		return Conversation{}, err
	}
	return s.store.GetConversation(ctx, conversationID)
}

// PeersOf returns the distinct other users sharing an active conversation
// with userID. Used by the gateway for presence fanout.
func (s *Service) PeersOf(ctx context.Context, userID string) ([]string, error) {
	return s.store.PeersOf(ctx, userID)
}

// authorize admits active participants and admins.
func (s *Service) authorize(ctx context.Context, conversationID, actorID string, actorRole Role) error {
	if actorRole == RoleAdmin {
		if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
			return err
		}
		return nil
	}
	ok, err := s.store.IsActiveParticipant(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not a participant of %s", ErrForbidden, conversationID)
	}
	return nil
}

// ---- message pipeline ----

// SendInput describes a send request.
type SendInput struct {
	ConversationID string
	SenderID       string
	Body           string
	Kind           MessageKind
	ReplyToID      string
	// ClientMsgID is an optional idempotency key scoped to the conversation.
	// Retried sends with the same key return the originally stored message.
	ClientMsgID string
}

// Send validates, persists and fans out a message. The returned bool reports
// whether the send was a duplicate resolved by its idempotency key.
//
// The message enters the created state on persist; recipients currently
// online are stamped delivered immediately, the rest are swept on their next
// connect. The send either completes durably or is rejected before persist.
func (s *Service) Send(ctx context.Context, in SendInput) (Message, bool, error) {
	body := strings.TrimSpace(in.Body)
	if body == "" {
		return Message{}, false, fmt.Errorf("%w: empty message body", ErrValidation)
	}
	if len([]rune(body)) > MaxBodyChars {
		return Message{}, false, fmt.Errorf("%w: message too long (max %d chars)", ErrValidation, MaxBodyChars)
	}
	kind := in.Kind
	if kind == "" {
		kind = MessageText
	}
	if !ValidMessageKind(kind) {
		return Message{}, false, fmt.Errorf("%w: unknown message kind %q", ErrValidation, kind)
	}

	conv, err := s.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return Message{}, false, err
	}
	if conv.Status != StatusActive {
		return Message{}, false, fmt.Errorf("%w: conversation is archived", ErrValidation)
	}
	ok, err := s.store.IsActiveParticipant(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return Message{}, false, err
	}
	if !ok {
		return Message{}, false, fmt.Errorf("%w: sender is not a participant", ErrForbidden)
	}

	// Persist and fan out under the conversation lock so concurrent sends
	// reach every recipient in seq order.
	l := s.convLock(in.ConversationID)
	l.Lock()
	defer l.Unlock()

	res, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ClientMsgID:    in.ClientMsgID,
		Body:           body,
		Kind:           kind,
		ReplyToID:      in.ReplyToID,
	})
	if err != nil {
		return Message{}, false, err
	}
	if res.Duplicated {
		return res.Message, true, nil
	}
	s.metrics.incSent()

	msg := res.Message
	recipients, err := s.recipientsOf(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		// The message is durable; fanout degradation is logged, not fatal.
		s.log.Error("chat.send.fanout_participants", "conversation_id", in.ConversationID, "err", err)
		return msg, false, nil
	}

	// Stamp delivered for the first recipient that is online right now.
	for _, r := range recipients {
		online, err := s.isOnline(ctx, r)
		if err != nil {
			s.log.Error("chat.send.presence_check", "user_id", r, "err", err)
			continue
		}
		if !online {
			continue
		}
		stamped, changed, err := s.store.MarkDelivered(ctx, msg.ID, r, time.Now().UTC())
		if err != nil {
			s.log.Error("chat.send.mark_delivered", "message_id", msg.ID, "recipient", r, "err", err)
			continue
		}
		if changed {
			s.metrics.incDelivered()
		}
		msg = stamped
		break
	}

	s.events().MessageNew(recipients, msg)
	if msg.Delivered() {
		s.events().MessageDelivered([]string{msg.SenderID}, msg)
	}
	return msg, false, nil
}

// History returns a page of conversation messages for an authorized actor.
func (s *Service) History(ctx context.Context, conversationID, actorID string, actorRole Role, afterSeq *int64, limit int) (HistoryResult, error) {
	if err := s.authorize(ctx, conversationID, actorID, actorRole); err != nil {
		return HistoryResult{}, err
	}
	return s.store.ListMessages(ctx, HistoryInput{
		ConversationID: conversationID,
		AfterSeq:       afterSeq,
		Limit:          limit,
	})
}

// MarkDelivered stamps a message delivered for recipientID. Idempotent.
func (s *Service) MarkDelivered(ctx context.Context, messageID, recipientID string) (Message, error) {
	m, changed, err := s.store.MarkDelivered(ctx, messageID, recipientID, time.Now().UTC())
	if err != nil {
		return Message{}, err
	}
	if changed {
		s.metrics.incDelivered()
		s.events().MessageDelivered([]string{m.SenderID}, m)
	}
	return m, nil
}

// MarkRead stamps a message read for recipientID, implying delivered.
// Idempotent; a read receipt is emitted to the sender on the first call.
func (s *Service) MarkRead(ctx context.Context, messageID, recipientID string) (Message, error) {
	m, changed, err := s.store.MarkRead(ctx, messageID, recipientID, time.Now().UTC())
	if err != nil {
		return Message{}, err
	}
	if changed {
		s.metrics.incRead()
		s.events().MessageRead([]string{m.SenderID}, m)
	}
	return m, nil
}

// DeliverPending runs the delivery sweep for a user that just connected:
// every message still in the created state addressed to them is stamped
// delivered, senders get receipts, and the swept messages are returned in
// (conversation, seq) order for replay to the reconnecting client.
func (s *Service) DeliverPending(ctx context.Context, userID string) ([]Message, error) {
	msgs, err := s.store.DeliverPending(ctx, userID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		s.metrics.incDelivered()
		s.events().MessageDelivered([]string{m.SenderID}, m)
	}
	if len(msgs) > 0 {
		s.log.Info("chat.delivery.sweep", "user_id", userID, "count", len(msgs))
	}
	return msgs, nil
}

// DeleteMessage soft-deletes a message. Only the sender may delete.
func (s *Service) DeleteMessage(ctx context.Context, messageID, actorID string) error {
	return s.store.SoftDeleteMessage(ctx, messageID, actorID, time.Now().UTC())
}

// ---- typing ----

// SetTyping records a typing start/stop signal and relays it to the other
// active participants. Signals expire after TypingTTL without a refresh.
func (s *Service) SetTyping(ctx context.Context, conversationID, userID string, typing bool) error {
	ok, err := s.store.IsActiveParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not a participant of %s", ErrForbidden, conversationID)
	}

	now := time.Now().UTC()
	if err := s.store.SetTyping(ctx, conversationID, userID, typing, now); err != nil {
		return err
	}

	recipients, err := s.recipientsOf(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	s.events().TypingChanged(recipients, TypingIndicator{
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         typing,
		UpdatedAt:      now,
	})
	return nil
}

// ListTyping returns who is currently composing in a conversation.
func (s *Service) ListTyping(ctx context.Context, conversationID string) ([]TypingIndicator, error) {
	return s.store.ListTyping(ctx, conversationID, time.Now().UTC())
}

// ---- helpers ----

func (s *Service) recipientsOf(ctx context.Context, conversationID, exceptID string) ([]string, error) {
	parts, err := s.store.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if !p.Active || p.UserID == exceptID {
			continue
		}
		out = append(out, p.UserID)
	}
	return out, nil
}

func (s *Service) isOnline(ctx context.Context, userID string) (bool, error) {
	if s.presence == nil {
		return false, nil
	}
	return s.presence.IsOnline(ctx, userID)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

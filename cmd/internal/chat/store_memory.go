package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used for dev mode and tests.
// It mirrors the Postgres store semantics, including find-or-create
// convergence, per-conversation seq allocation and monotonic stamps.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]User
	convs map[string]*memConversation
	byKey map[string]string // participantKey + "|" + kind -> conversation id
}

type memConversation struct {
	conv         Conversation
	participants map[string]*Participant
	seq          int64
	msgs         []*Message // ordered by seq
	byID         map[string]*Message
	dedupe       map[string]*Message // client_msg_id -> message
	typing       map[string]*TypingIndicator
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]User),
		convs: make(map[string]*memConversation),
		byKey: make(map[string]string),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// UpsertUser stores or replaces a user row.
func (s *MemoryStore) UpsertUser(ctx context.Context, u User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.ID == "" {
		return ErrValidation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

// GetUser returns a user row by id.
func (s *MemoryStore) GetUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// FindOrCreateConversation returns the active conversation matching the exact
// participant set + kind, creating it when absent. Concurrent calls converge
// because the whole operation runs under the store lock.
func (s *MemoryStore) FindOrCreateConversation(ctx context.Context, in FindOrCreateInput) (FindOrCreateResult, error) {
	if err := ctx.Err(); err != nil {
		return FindOrCreateResult{}, err
	}
	key := ParticipantKey(in.ParticipantIDs)
	if key == "" || !ValidKind(in.Kind) {
		return FindOrCreateResult{}, ErrValidation
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[key+"|"+string(in.Kind)]; ok {
		c := s.convs[id]
		return FindOrCreateResult{
			Conversation:   c.conv,
			ParticipantIDs: c.activeParticipantIDs(),
			Created:        false,
		}, nil
	}

	c := &memConversation{
		conv: Conversation{
			ID:        NewID(now),
			Kind:      in.Kind,
			TripID:    in.TripID,
			Title:     in.Title,
			Status:    StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		},
		participants: make(map[string]*Participant),
		byID:         make(map[string]*Message),
		dedupe:       make(map[string]*Message),
		typing:       make(map[string]*TypingIndicator),
	}
	for _, id := range uniqueIDs(in.ParticipantIDs) {
		c.participants[id] = &Participant{
			ConversationID: c.conv.ID,
			UserID:         id,
			JoinedAt:       now,
			Active:         true,
		}
	}
	s.convs[c.conv.ID] = c
	s.byKey[key+"|"+string(in.Kind)] = c.conv.ID

	return FindOrCreateResult{
		Conversation:   c.conv,
		ParticipantIDs: c.activeParticipantIDs(),
		Created:        true,
	}, nil
}

// GetConversation returns a conversation by id (archived included).
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c.conv, nil
}

// ListConversations returns the user's active conversations with unread counts,
// most recently updated first.
func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ConversationSummary
	for _, c := range s.convs {
		p, ok := c.participants[userID]
		if !ok || !p.Active || c.conv.Status != StatusActive {
			continue
		}
		sum := ConversationSummary{
			Conversation:   c.conv,
			ParticipantIDs: c.activeParticipantIDs(),
			UnreadCount:    c.unreadFor(p),
		}
		if n := len(c.msgs); n > 0 {
			t := c.msgs[n-1].CreatedAt
			sum.LastMessageAt = &t
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// ArchiveConversation flips a conversation to archived. It remains readable
// by direct fetch but is excluded from listings and from the find-or-create
// participant-set index.
func (s *MemoryStore) ArchiveConversation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	if c.conv.Status == StatusArchived {
		return nil
	}
	c.conv.Status = StatusArchived
	c.conv.UpdatedAt = time.Now().UTC()
	delete(s.byKey, ParticipantKey(c.participantIDs())+"|"+string(c.conv.Kind))
	return nil
}

// Participants returns all participant rows for a conversation.
func (s *MemoryStore) Participants(ctx context.Context, conversationID string) ([]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// IsActiveParticipant reports whether userID has an active participant row.
func (s *MemoryStore) IsActiveParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return false, ErrNotFound
	}
	p, ok := c.participants[userID]
	return ok && p.Active, nil
}

// PeersOf returns the distinct other users sharing an active conversation.
func (s *MemoryStore) PeersOf(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, c := range s.convs {
		if c.conv.Status != StatusActive {
			continue
		}
		p, ok := c.participants[userID]
		if !ok || !p.Active {
			continue
		}
		for id, other := range c.participants {
			if id == userID || !other.Active {
				continue
			}
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// AppendMessage inserts a message, allocates the next seq and bumps the
// conversation updated_at in one critical section.
func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return AppendMessageResult{}, ErrNotFound
	}

	if in.ClientMsgID != "" {
		if existing, ok := c.dedupe[in.ClientMsgID]; ok {
			return AppendMessageResult{Message: *existing, Duplicated: true}, nil
		}
	}
	if in.ReplyToID != "" {
		if _, ok := c.byID[in.ReplyToID]; !ok {
			return AppendMessageResult{}, ErrNotFound
		}
	}

	// Monotonic created_at within a conversation even under clock skew.
	if n := len(c.msgs); n > 0 && !now.After(c.msgs[n-1].CreatedAt) {
		now = c.msgs[n-1].CreatedAt.Add(time.Microsecond)
	}

	c.seq++
	m := &Message{
		ID:             NewID(now),
		ConversationID: in.ConversationID,
		Seq:            c.seq,
		SenderID:       in.SenderID,
		ClientMsgID:    in.ClientMsgID,
		Body:           in.Body,
		Kind:           in.Kind,
		ReplyToID:      in.ReplyToID,
		CreatedAt:      now,
	}
	c.msgs = append(c.msgs, m)
	c.byID[m.ID] = m
	if in.ClientMsgID != "" {
		c.dedupe[in.ClientMsgID] = m
	}
	c.conv.UpdatedAt = now

	return AppendMessageResult{Message: *m, Duplicated: false}, nil
}

// GetMessage returns a message by id.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findMessage(id)
	if m == nil {
		return Message{}, ErrNotFound
	}
	return *m, nil
}

// ListMessages returns non-deleted messages ordered by seq ASC with paging.
func (s *MemoryStore) ListMessages(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}
	limit := ClampHistoryLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	c, ok := s.convs[in.ConversationID]
	if !ok {
		s.mu.Unlock()
		return HistoryResult{}, ErrNotFound
	}
	var snap []Message
	for _, m := range c.msgs {
		if m.DeletedAt != nil {
			continue
		}
		if in.AfterSeq != nil && m.Seq <= *in.AfterSeq {
			continue
		}
		snap = append(snap, *m)
		if len(snap) == fetch {
			break
		}
	}
	s.mu.Unlock()

	hasMore := len(snap) > limit
	if hasMore {
		snap = snap[:limit]
	}
	return HistoryResult{Messages: snap, HasMore: hasMore}, nil
}

// MarkDelivered stamps delivered_at once for a qualifying recipient.
func (s *MemoryStore) MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findMessage(messageID)
	if m == nil {
		return Message{}, false, ErrNotFound
	}
	if err := s.checkRecipient(m, recipientID); err != nil {
		return Message{}, false, err
	}
	if m.DeliveredAt != nil {
		return *m, false, nil
	}
	t := stampAfter(at, m.CreatedAt)
	m.DeliveredAt = &t
	return *m, true, nil
}

// MarkRead stamps read_at once (implying delivered_at) and advances the
// recipient's last-read marker.
func (s *MemoryStore) MarkRead(ctx context.Context, messageID, recipientID string, at time.Time) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findMessage(messageID)
	if m == nil {
		return Message{}, false, ErrNotFound
	}
	if err := s.checkRecipient(m, recipientID); err != nil {
		return Message{}, false, err
	}

	c := s.convs[m.ConversationID]
	if p := c.participants[recipientID]; p != nil {
		if p.LastReadAt == nil || m.CreatedAt.After(*p.LastReadAt) {
			t := m.CreatedAt
			p.LastReadAt = &t
		}
	}

	if m.ReadAt != nil {
		return *m, false, nil
	}
	if m.DeliveredAt == nil {
		t := stampAfter(at, m.CreatedAt)
		m.DeliveredAt = &t
	}
	t := stampAfter(at, *m.DeliveredAt)
	m.ReadAt = &t
	return *m, true, nil
}

// DeliverPending stamps every undelivered message addressed to recipientID.
func (s *MemoryStore) DeliverPending(ctx context.Context, recipientID string, at time.Time) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	convIDs := make([]string, 0, len(s.convs))
	for id := range s.convs {
		convIDs = append(convIDs, id)
	}
	sort.Strings(convIDs)

	for _, id := range convIDs {
		c := s.convs[id]
		p, ok := c.participants[recipientID]
		if !ok || !p.Active || c.conv.Status != StatusActive {
			continue
		}
		for _, m := range c.msgs {
			if m.SenderID == recipientID || m.DeliveredAt != nil || m.DeletedAt != nil {
				continue
			}
			t := stampAfter(at, m.CreatedAt)
			m.DeliveredAt = &t
			out = append(out, *m)
		}
	}
	return out, nil
}

// SoftDeleteMessage stamps deleted_at. Only the sender may delete.
func (s *MemoryStore) SoftDeleteMessage(ctx context.Context, messageID, senderID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findMessage(messageID)
	if m == nil {
		return ErrNotFound
	}
	if m.SenderID != senderID {
		return ErrForbidden
	}
	if m.DeletedAt == nil {
		t := at
		if t.IsZero() {
			t = time.Now().UTC()
		}
		m.DeletedAt = &t
	}
	return nil
}

// SetTyping upserts the typing row and purges stale rows for the conversation
// (cleanup-on-insert).
func (s *MemoryStore) SetTyping(ctx context.Context, conversationID, userID string, typing bool, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	for id, t := range c.typing {
		if at.Sub(t.UpdatedAt) > TypingTTL {
			delete(c.typing, id)
		}
	}
	c.typing[userID] = &TypingIndicator{
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         typing,
		UpdatedAt:      at,
	}
	return nil
}

// ListTyping returns participants currently typing, with TTL applied at read time.
func (s *MemoryStore) ListTyping(ctx context.Context, conversationID string, now time.Time) ([]TypingIndicator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []TypingIndicator
	for _, t := range c.typing {
		if !t.Typing || now.Sub(t.UpdatedAt) > TypingTTL {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ---- helpers (must hold s.mu) ----

func (s *MemoryStore) findMessage(id string) *Message {
	for _, c := range s.convs {
		if m, ok := c.byID[id]; ok {
			return m
		}
	}
	return nil
}

func (s *MemoryStore) checkRecipient(m *Message, recipientID string) error {
	c, ok := s.convs[m.ConversationID]
	if !ok {
		return ErrNotFound
	}
	p, ok := c.participants[recipientID]
	if !ok || !p.Active || recipientID == m.SenderID {
		return ErrForbidden
	}
	return nil
}

func (c *memConversation) activeParticipantIDs() []string {
	out := make([]string, 0, len(c.participants))
	for id, p := range c.participants {
		if p.Active {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (c *memConversation) participantIDs() []string {
	out := make([]string, 0, len(c.participants))
	for id := range c.participants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *memConversation) unreadFor(p *Participant) int {
	n := 0
	for _, m := range c.msgs {
		if m.SenderID == p.UserID || m.DeletedAt != nil {
			continue
		}
		if p.LastReadAt != nil && !m.CreatedAt.After(*p.LastReadAt) {
			continue
		}
		n++
	}
	return n
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func stampAfter(at, floor time.Time) time.Time {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if at.Before(floor) {
		return floor
	}
	return at
}

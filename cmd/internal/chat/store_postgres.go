package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Per-conversation transactional advisory locks serialize message appends,
//   guaranteeing strict monotonic seq allocation with no gaps for duplicates.
// - Find-or-create takes an advisory lock on the participant-set+kind key and
//   is additionally backed by a partial unique index on active conversations.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "shuttlechat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "shuttlechat",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// UpsertUser stores or replaces the auth-owned user projection.
func (s *PostgresStore) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return ErrValidation
	}
	users := s.table("users")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+users+` (id, name, email, role, created_at)
		 VALUES ($1, $2, $3, $4, COALESCE(NULLIF($5::timestamptz, 'epoch'), now()))
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email, role = EXCLUDED.role`,
		u.ID, u.Name, u.Email, string(u.Role), u.CreatedAt,
	)
	return mapPGError(err)
}

// GetUser returns a user row by id.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	users := s.table("users")
	var u User
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, role, created_at FROM `+users+` WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &role, &u.CreatedAt)
	if err != nil {
		return User{}, mapPGError(err)
	}
	u.Role = Role(role)
	return u, nil
}

// FindOrCreateConversation finds the active conversation for the exact
// participant set + kind, creating it (with one participant row per id) when
// absent. Concurrent calls converge via an advisory lock on the set key plus
// a partial unique index.
func (s *PostgresStore) FindOrCreateConversation(ctx context.Context, in FindOrCreateInput) (FindOrCreateResult, error) {
	key := ParticipantKey(in.ParticipantIDs)
	if key == "" || !ValidKind(in.Kind) {
		return FindOrCreateResult{}, ErrValidation
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return FindOrCreateResult{}, mapPGError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := s.table("conversations")
	participants := s.table("conversation_participants")

	// Serialize find-or-create per participant-set+kind key so two
	// simultaneous calls cannot both miss the lookup and insert.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key+"|"+string(in.Kind),
	); err != nil {
		return FindOrCreateResult{}, mapPGError(fmt.Errorf("advisory lock: %w", err))
	}

	var conv Conversation
	err = scanConversation(tx.QueryRow(ctx,
		`SELECT id, kind, trip_id, title, status, created_at, updated_at
		   FROM `+conversations+`
		  WHERE participant_key = $1 AND kind = $2 AND status = 'active'`,
		key, string(in.Kind),
	), &conv)
	if err == nil {
		ids, err := activeParticipantIDsTx(ctx, tx, participants, conv.ID)
		if err != nil {
			return FindOrCreateResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return FindOrCreateResult{}, mapPGError(err)
		}
		return FindOrCreateResult{Conversation: conv, ParticipantIDs: ids, Created: false}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return FindOrCreateResult{}, err
	}

	conv = Conversation{
		ID:        NewID(now),
		Kind:      in.Kind,
		TripID:    in.TripID,
		Title:     in.Title,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, kind, trip_id, title, status, participant_key, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), 'active', $5, $6, $6)`,
		conv.ID, string(conv.Kind), conv.TripID, conv.Title, key, now,
	); err != nil {
		return FindOrCreateResult{}, mapPGError(err)
	}

	ids := uniqueIDs(in.ParticipantIDs)
	for _, id := range ids {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+participants+` (conversation_id, user_id, joined_at, active)
			 VALUES ($1, $2, $3, true)`,
			conv.ID, id, now,
		); err != nil {
			return FindOrCreateResult{}, mapPGError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return FindOrCreateResult{}, mapPGError(err)
	}
	return FindOrCreateResult{Conversation: conv, ParticipantIDs: ids, Created: true}, nil
}

// GetConversation returns a conversation by id (archived included).
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	conversations := s.table("conversations")
	var conv Conversation
	err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT id, kind, trip_id, title, status, created_at, updated_at
		   FROM `+conversations+` WHERE id = $1`, id,
	), &conv)
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// ListConversations returns the user's active conversations annotated with
// unread counts and last-message time, most recently updated first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	conversations := s.table("conversations")
	participants := s.table("conversation_participants")
	messages := s.table("messages")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.kind, COALESCE(c.trip_id, ''), COALESCE(c.title, ''), c.status, c.created_at, c.updated_at,
		        (SELECT COALESCE(array_agg(pp.user_id ORDER BY pp.user_id), '{}')
		           FROM `+participants+` pp
		          WHERE pp.conversation_id = c.id AND pp.active),
		        (SELECT max(m.created_at) FROM `+messages+` m
		          WHERE m.conversation_id = c.id AND m.deleted_at IS NULL),
		        (SELECT count(*) FROM `+messages+` m
		          WHERE m.conversation_id = c.id
		            AND m.deleted_at IS NULL
		            AND m.sender_id <> $1
		            AND (p.last_read_at IS NULL OR m.created_at > p.last_read_at))
		   FROM `+participants+` p
		   JOIN `+conversations+` c ON c.id = p.conversation_id
		  WHERE p.user_id = $1 AND p.active AND c.status = 'active'
		  ORDER BY c.updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var (
			sum          ConversationSummary
			kind, status string
			lastMsg      *time.Time
			unread       int64
		)
		if err := rows.Scan(
			&sum.ID, &kind, &sum.TripID, &sum.Title, &status, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.ParticipantIDs, &lastMsg, &unread,
		); err != nil {
			return nil, mapPGError(err)
		}
		sum.Kind = Kind(kind)
		sum.Status = Status(status)
		sum.LastMessageAt = lastMsg
		sum.UnreadCount = int(unread)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGError(err)
	}
	return out, nil
}

// ArchiveConversation flips a conversation to archived. The partial unique
// index only covers active rows, so archiving frees the participant-set key.
func (s *PostgresStore) ArchiveConversation(ctx context.Context, id string) error {
	conversations := s.table("conversations")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+` SET status = 'archived', updated_at = now()
		  WHERE id = $1 AND status = 'active'`, id,
	)
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 0 {
		// Idempotent when already archived, ErrNotFound when missing.
		_, err := s.GetConversation(ctx, id)
		return err
	}
	return nil
}

// Participants returns all participant rows for a conversation.
func (s *PostgresStore) Participants(ctx context.Context, conversationID string) ([]Participant, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	participants := s.table("conversation_participants")
	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, user_id, joined_at, left_at, active, last_read_at
		   FROM `+participants+` WHERE conversation_id = $1 ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt, &p.LeftAt, &p.Active, &p.LastReadAt); err != nil {
			return nil, mapPGError(err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGError(err)
	}
	return out, nil
}

// IsActiveParticipant reports whether userID has an active participant row.
func (s *PostgresStore) IsActiveParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	participants := s.table("conversation_participants")
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+participants+`
		  WHERE conversation_id = $1 AND user_id = $2 AND active`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapPGError(err)
	}
	return true, nil
}

// PeersOf returns the distinct other users sharing an active conversation.
func (s *PostgresStore) PeersOf(ctx context.Context, userID string) ([]string, error) {
	conversations := s.table("conversations")
	participants := s.table("conversation_participants")
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT p2.user_id
		   FROM `+participants+` p1
		   JOIN `+conversations+` c ON c.id = p1.conversation_id AND c.status = 'active'
		   JOIN `+participants+` p2 ON p2.conversation_id = p1.conversation_id AND p2.active
		  WHERE p1.user_id = $1 AND p1.active AND p2.user_id <> $1
		  ORDER BY p2.user_id`,
		userID,
	)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapPGError(err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGError(err)
	}
	return out, nil
}

// AppendMessage inserts a message with idempotency, monotonic seq allocation
// and an updated_at bump, all in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.ConversationID == "" || in.SenderID == "" {
		return AppendMessageResult{}, ErrValidation
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return AppendMessageResult{}, mapPGError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := s.table("conversations")
	cursors := s.table("conversation_cursors")
	messages := s.table("messages")

	// Serialize all writes per conversation: no seq waste for duplicates,
	// strict monotonic ordering without races.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendMessageResult{}, mapPGError(fmt.Errorf("advisory lock: %w", err))
	}

	var one int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM `+conversations+` WHERE id = $1`, in.ConversationID).Scan(&one); err != nil {
		return AppendMessageResult{}, mapPGError(err)
	}

	if in.ClientMsgID != "" {
		existing, err := readMessageByClientMsgID(ctx, tx, messages, in.ConversationID, in.ClientMsgID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendMessageResult{}, mapPGError(err)
			}
			return AppendMessageResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return AppendMessageResult{}, err
		}
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq) VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return AppendMessageResult{}, mapPGError(err)
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1, updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return AppendMessageResult{}, mapPGError(err)
	}

	m := Message{
		ID:             NewID(now),
		ConversationID: in.ConversationID,
		Seq:            seq,
		SenderID:       in.SenderID,
		ClientMsgID:    in.ClientMsgID,
		Body:           in.Body,
		Kind:           in.Kind,
		ReplyToID:      in.ReplyToID,
		CreatedAt:      now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, seq, sender_id, client_msg_id, body, kind, reply_to_id, created_at
		   ) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9)`,
		m.ID, m.ConversationID, m.Seq, m.SenderID, m.ClientMsgID, m.Body, string(m.Kind), m.ReplyToID, m.CreatedAt,
	); err != nil {
		return AppendMessageResult{}, mapPGError(fmt.Errorf("insert message: %w", err))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+` SET updated_at = $2 WHERE id = $1`,
		in.ConversationID, now,
	); err != nil {
		return AppendMessageResult{}, mapPGError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, mapPGError(err)
	}
	return AppendMessageResult{Message: m, Duplicated: false}, nil
}

// GetMessage returns a message by id.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	messages := s.table("messages")
	var m Message
	err := scanMessage(s.pool.QueryRow(ctx, selectMessageCols+` FROM `+messages+` WHERE id = $1`, id), &m)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// ListMessages returns non-deleted messages ordered by seq ASC with paging.
func (s *PostgresStore) ListMessages(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if in.ConversationID == "" {
		return HistoryResult{}, ErrValidation
	}
	if _, err := s.GetConversation(ctx, in.ConversationID); err != nil {
		return HistoryResult{}, err
	}

	limit := ClampHistoryLimit(in.Limit)
	fetch := limit + 1
	messages := s.table("messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.AfterSeq == nil {
		rows, err = s.pool.Query(ctx,
			selectMessageCols+` FROM `+messages+`
			  WHERE conversation_id = $1 AND deleted_at IS NULL
			  ORDER BY seq ASC LIMIT $2`,
			in.ConversationID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			selectMessageCols+` FROM `+messages+`
			  WHERE conversation_id = $1 AND seq > $2 AND deleted_at IS NULL
			  ORDER BY seq ASC LIMIT $3`,
			in.ConversationID, *in.AfterSeq, fetch,
		)
	}
	if err != nil {
		return HistoryResult{}, mapPGError(err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return HistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return HistoryResult{}, mapPGError(err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return HistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// MarkDelivered stamps delivered_at once for a qualifying recipient.
func (s *PostgresStore) MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) (Message, bool, error) {
	return s.stampMessage(ctx, messageID, recipientID, at, false)
}

// MarkRead stamps read_at once (implying delivered_at) and advances the
// recipient's last-read marker.
func (s *PostgresStore) MarkRead(ctx context.Context, messageID, recipientID string, at time.Time) (Message, bool, error) {
	return s.stampMessage(ctx, messageID, recipientID, at, true)
}

func (s *PostgresStore) stampMessage(ctx context.Context, messageID, recipientID string, at time.Time, read bool) (Message, bool, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Message{}, false, mapPGError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := s.table("messages")
	participants := s.table("conversation_participants")

	var m Message
	if err := scanMessage(tx.QueryRow(ctx,
		selectMessageCols+` FROM `+messages+` WHERE id = $1 FOR UPDATE`, messageID,
	), &m); err != nil {
		return Message{}, false, err
	}

	var one int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM `+participants+`
		  WHERE conversation_id = $1 AND user_id = $2 AND active`,
		m.ConversationID, recipientID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) || m.SenderID == recipientID {
		return Message{}, false, ErrForbidden
	}
	if err != nil {
		return Message{}, false, mapPGError(err)
	}

	changed := false
	if read {
		// Reading advances the unread marker even when the message was
		// already read through another device.
		if _, err := tx.Exec(ctx,
			`UPDATE `+participants+`
			    SET last_read_at = GREATEST(COALESCE(last_read_at, 'epoch'::timestamptz), $3)
			  WHERE conversation_id = $1 AND user_id = $2`,
			m.ConversationID, recipientID, m.CreatedAt,
		); err != nil {
			return Message{}, false, mapPGError(err)
		}

		if m.ReadAt == nil {
			if err := scanMessage(tx.QueryRow(ctx,
				`UPDATE `+messages+`
				    SET delivered_at = COALESCE(delivered_at, GREATEST($2, created_at)),
				        read_at = GREATEST($2, COALESCE(delivered_at, created_at))
				  WHERE id = $1
				RETURNING `+messageCols, messageID, at,
			), &m); err != nil {
				return Message{}, false, err
			}
			changed = true
		}
	} else if m.DeliveredAt == nil {
		if err := scanMessage(tx.QueryRow(ctx,
			`UPDATE `+messages+`
			    SET delivered_at = GREATEST($2, created_at)
			  WHERE id = $1
			RETURNING `+messageCols, messageID, at,
		), &m); err != nil {
			return Message{}, false, err
		}
		changed = true
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, false, mapPGError(err)
	}
	return m, changed, nil
}

// DeliverPending stamps every undelivered message addressed to recipientID.
func (s *PostgresStore) DeliverPending(ctx context.Context, recipientID string, at time.Time) ([]Message, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	conversations := s.table("conversations")
	participants := s.table("conversation_participants")
	messages := s.table("messages")

	rows, err := s.pool.Query(ctx,
		`UPDATE `+messages+` m
		    SET delivered_at = GREATEST($2, m.created_at)
		   FROM `+participants+` p, `+conversations+` c
		  WHERE p.conversation_id = m.conversation_id
		    AND c.id = m.conversation_id
		    AND p.user_id = $1 AND p.active AND c.status = 'active'
		    AND m.sender_id <> $1 AND m.delivered_at IS NULL AND m.deleted_at IS NULL
		RETURNING `+messageColsPrefixed("m"),
		recipientID, at,
	)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGError(err)
	}

	// RETURNING order is unspecified; restore per-conversation seq order so
	// delivery fanout never reorders across the wire.
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConversationID != out[j].ConversationID {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// SoftDeleteMessage stamps deleted_at. Only the sender may delete.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID, senderID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != senderID {
		return ErrForbidden
	}
	messages := s.table("messages")
	_, err = s.pool.Exec(ctx,
		`UPDATE `+messages+` SET deleted_at = COALESCE(deleted_at, $2) WHERE id = $1`,
		messageID, at,
	)
	return mapPGError(err)
}

// SetTyping upserts the typing row and purges stale rows for the conversation
// (cleanup-on-insert).
func (s *PostgresStore) SetTyping(ctx context.Context, conversationID, userID string, typing bool, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	indicators := s.table("typing_indicators")

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM `+indicators+` WHERE conversation_id = $1 AND updated_at < $2`,
		conversationID, at.Add(-TypingTTL),
	); err != nil {
		return mapPGError(err)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+indicators+` (conversation_id, user_id, typing, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (conversation_id, user_id) DO UPDATE SET typing = EXCLUDED.typing, updated_at = EXCLUDED.updated_at`,
		conversationID, userID, typing, at,
	)
	return mapPGError(err)
}

// ListTyping returns participants currently typing, with TTL applied at read time.
func (s *PostgresStore) ListTyping(ctx context.Context, conversationID string, now time.Time) ([]TypingIndicator, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	indicators := s.table("typing_indicators")
	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, user_id, typing, updated_at
		   FROM `+indicators+`
		  WHERE conversation_id = $1 AND typing AND updated_at >= $2
		  ORDER BY user_id`,
		conversationID, now.Add(-TypingTTL),
	)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()

	var out []TypingIndicator
	for rows.Next() {
		var t TypingIndicator
		if err := rows.Scan(&t.ConversationID, &t.UserID, &t.Typing, &t.UpdatedAt); err != nil {
			return nil, mapPGError(err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGError(err)
	}
	return out, nil
}

// ---- scanning helpers ----

const messageCols = `id, conversation_id, seq, sender_id, COALESCE(client_msg_id, ''), body, kind, COALESCE(reply_to_id, ''), created_at, delivered_at, read_at, deleted_at`

const selectMessageCols = `SELECT ` + messageCols

func messageColsPrefixed(alias string) string {
	return fmt.Sprintf(`%[1]s.id, %[1]s.conversation_id, %[1]s.seq, %[1]s.sender_id, COALESCE(%[1]s.client_msg_id, ''), %[1]s.body, %[1]s.kind, COALESCE(%[1]s.reply_to_id, ''), %[1]s.created_at, %[1]s.delivered_at, %[1]s.read_at, %[1]s.deleted_at`, alias)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner, c *Conversation) error {
	var kind, status string
	var tripID, title *string
	if err := row.Scan(&c.ID, &kind, &tripID, &title, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return mapPGError(err)
	}
	c.Kind = Kind(kind)
	c.Status = Status(status)
	if tripID != nil {
		c.TripID = *tripID
	}
	if title != nil {
		c.Title = *title
	}
	return nil
}

func scanMessage(row rowScanner, m *Message) error {
	var kind string
	if err := row.Scan(
		&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.ClientMsgID,
		&m.Body, &kind, &m.ReplyToID, &m.CreatedAt, &m.DeliveredAt, &m.ReadAt, &m.DeletedAt,
	); err != nil {
		return mapPGError(err)
	}
	m.Kind = MessageKind(kind)
	return nil
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable, conversationID, clientMsgID string) (Message, error) {
	var m Message
	err := scanMessage(tx.QueryRow(ctx,
		selectMessageCols+` FROM `+messagesTable+`
		  WHERE conversation_id = $1 AND client_msg_id = $2`,
		conversationID, clientMsgID,
	), &m)
	return m, err
}

func activeParticipantIDsTx(ctx context.Context, tx pgx.Tx, participantsTable, conversationID string) ([]string, error) {
	rows, err := tx.Query(ctx,
		`SELECT user_id FROM `+participantsTable+`
		  WHERE conversation_id = $1 AND active ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapPGError(err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGError(err)
	}
	return out, nil
}

// ---- identifier + error mapping helpers ----

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func (s *PostgresStore) table(name string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// mapPGError folds driver errors onto the package taxonomy. Constraint
// violations become ErrConflict/ErrNotFound; anything else that is not a
// context error is treated as transient storage failure.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

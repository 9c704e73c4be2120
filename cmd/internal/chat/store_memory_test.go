package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func mustMemConversation(t *testing.T, s *MemoryStore, participants ...string) Conversation {
	t.Helper()
	res, err := s.FindOrCreateConversation(context.Background(), FindOrCreateInput{
		ParticipantIDs: participants,
		Kind:           KindStudentDriver,
	})
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}
	return res.Conversation
}

func mustAppend(t *testing.T, s *MemoryStore, convID, sender, body string) Message {
	t.Helper()
	res, err := s.AppendMessage(context.Background(), AppendMessageInput{
		ConversationID: convID,
		SenderID:       sender,
		Body:           body,
		Kind:           MessageText,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return res.Message
}

func TestMemoryFindOrCreateKeyNormalization(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.FindOrCreateConversation(ctx, FindOrCreateInput{
		ParticipantIDs: []string{"b", "a"},
		Kind:           KindStudentDriver,
	})
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}

	// Order and duplicates in the id set must not matter.
	second, err := s.FindOrCreateConversation(ctx, FindOrCreateInput{
		ParticipantIDs: []string{"a", "b", "a"},
		Kind:           KindStudentDriver,
	})
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}
	if second.Created || second.Conversation.ID != first.Conversation.ID {
		t.Fatalf("same set resolved to a different conversation: %s vs %s", second.Conversation.ID, first.Conversation.ID)
	}

	// Same set, different kind is a distinct conversation.
	other, err := s.FindOrCreateConversation(ctx, FindOrCreateInput{
		ParticipantIDs: []string{"a", "b"},
		Kind:           KindStudentSupport,
	})
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}
	if !other.Created || other.Conversation.ID == first.Conversation.ID {
		t.Fatal("kind must partition the participant-set index")
	}
}

func TestMemoryAppendConcurrentSeq(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	conv := mustMemConversation(t, s, "a", "b")

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendMessage(context.Background(), AppendMessageInput{
				ConversationID: conv.ID,
				SenderID:       "a",
				Body:           fmt.Sprintf("msg-%d", i),
				Kind:           MessageText,
			})
			if err != nil {
				t.Errorf("AppendMessage: %v", err)
			}
		}(i)
	}
	wg.Wait()

	res, err := s.ListMessages(context.Background(), HistoryInput{ConversationID: conv.ID, Limit: MaxHistoryLimit})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(res.Messages) != n {
		t.Fatalf("got %d messages, want %d", len(res.Messages), n)
	}
	// Seqs are exactly 1..n with no gaps and created_at never regresses.
	for i, m := range res.Messages {
		if m.Seq != int64(i+1) {
			t.Fatalf("seq at %d = %d, want %d", i, m.Seq, i+1)
		}
		if i > 0 && m.CreatedAt.Before(res.Messages[i-1].CreatedAt) {
			t.Fatalf("created_at regressed at seq %d", m.Seq)
		}
	}
}

func TestMemoryAppendReplyToUnknown(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	conv := mustMemConversation(t, s, "a", "b")

	_, err := s.AppendMessage(context.Background(), AppendMessageInput{
		ConversationID: conv.ID,
		SenderID:       "a",
		Body:           "re",
		Kind:           MessageText,
		ReplyToID:      "no-such-message",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("reply to unknown message = %v, want ErrNotFound", err)
	}
}

func TestMemoryStampMonotonicity(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	conv := mustMemConversation(t, s, "a", "b")
	msg := mustAppend(t, s, conv.ID, "a", "hi")
	ctx := context.Background()

	// A delivered stamp dated before created_at is clamped forward.
	past := msg.CreatedAt.Add(-time.Hour)
	m, changed, err := s.MarkDelivered(ctx, msg.ID, "b", past)
	if err != nil || !changed {
		t.Fatalf("MarkDelivered: changed=%v err=%v", changed, err)
	}
	if m.DeliveredAt.Before(m.CreatedAt) {
		t.Fatalf("delivered_at %v precedes created_at %v", m.DeliveredAt, m.CreatedAt)
	}

	// Read before delivered_at is clamped to it.
	m, changed, err = s.MarkRead(ctx, msg.ID, "b", past)
	if err != nil || !changed {
		t.Fatalf("MarkRead: changed=%v err=%v", changed, err)
	}
	if m.ReadAt.Before(*m.DeliveredAt) {
		t.Fatalf("read_at %v precedes delivered_at %v", m.ReadAt, m.DeliveredAt)
	}

	// Re-stamping changes nothing.
	again, changed, err := s.MarkRead(ctx, msg.ID, "b", time.Now().UTC().Add(time.Hour))
	if err != nil || changed {
		t.Fatalf("repeat MarkRead: changed=%v err=%v", changed, err)
	}
	if !again.ReadAt.Equal(*m.ReadAt) {
		t.Fatalf("read_at moved on repeat: %v -> %v", m.ReadAt, again.ReadAt)
	}
}

func TestMemoryArchiveFreesParticipantKey(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	first := mustMemConversation(t, s, "a", "b")
	if err := s.ArchiveConversation(ctx, first.ID); err != nil {
		t.Fatalf("ArchiveConversation: %v", err)
	}
	// Archiving twice is a no-op.
	if err := s.ArchiveConversation(ctx, first.ID); err != nil {
		t.Fatalf("repeat ArchiveConversation: %v", err)
	}

	res, err := s.FindOrCreateConversation(ctx, FindOrCreateInput{
		ParticipantIDs: []string{"a", "b"},
		Kind:           KindStudentDriver,
	})
	if err != nil {
		t.Fatalf("FindOrCreateConversation after archive: %v", err)
	}
	if !res.Created || res.Conversation.ID == first.ID {
		t.Fatal("archived conversation should release its participant-set slot")
	}

	// The archived row stays fetchable.
	got, err := s.GetConversation(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Status != StatusArchived {
		t.Fatalf("status = %s, want archived", got.Status)
	}
}

func TestMemorySoftDeleteHidesFromHistory(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	conv := mustMemConversation(t, s, "a", "b")
	ctx := context.Background()

	keep := mustAppend(t, s, conv.ID, "a", "keep")
	drop := mustAppend(t, s, conv.ID, "a", "drop")

	if err := s.SoftDeleteMessage(ctx, drop.ID, "b", time.Now().UTC()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-sender delete = %v, want ErrForbidden", err)
	}
	if err := s.SoftDeleteMessage(ctx, drop.ID, "a", time.Now().UTC()); err != nil {
		t.Fatalf("SoftDeleteMessage: %v", err)
	}

	res, err := s.ListMessages(ctx, HistoryInput{ConversationID: conv.ID, Limit: 10})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].ID != keep.ID {
		t.Fatalf("history = %+v, want only %s", res.Messages, keep.ID)
	}

	// Deleted messages are skipped by the delivery sweep too.
	swept, err := s.DeliverPending(ctx, "b", time.Now().UTC())
	if err != nil {
		t.Fatalf("DeliverPending: %v", err)
	}
	if len(swept) != 1 || swept[0].ID != keep.ID {
		t.Fatalf("sweep = %+v, want only %s", swept, keep.ID)
	}
}

func TestMemoryTypingTTL(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	conv := mustMemConversation(t, s, "a", "b")
	ctx := context.Background()

	start := time.Now().UTC()
	if err := s.SetTyping(ctx, conv.ID, "a", true, start); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}

	active, err := s.ListTyping(ctx, conv.ID, start.Add(TypingTTL/2))
	if err != nil {
		t.Fatalf("ListTyping: %v", err)
	}
	if len(active) != 1 || active[0].UserID != "a" {
		t.Fatalf("ListTyping = %+v, want a", active)
	}

	// Past the TTL the signal is treated as stopped even without an explicit stop.
	active, err = s.ListTyping(ctx, conv.ID, start.Add(TypingTTL+time.Second))
	if err != nil {
		t.Fatalf("ListTyping: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("stale typing signal survived the TTL: %+v", active)
	}
}

func TestMemoryPeersOf(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	mustMemConversation(t, s, "stu-1", "drv-1")
	if _, err := s.FindOrCreateConversation(ctx, FindOrCreateInput{
		ParticipantIDs: []string{"stu-1", "sup-1"},
		Kind:           KindStudentSupport,
	}); err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}
	// Peers in archived conversations do not count.
	archived := mustMemConversation(t, s, "stu-1", "drv-9")
	if err := s.ArchiveConversation(ctx, archived.ID); err != nil {
		t.Fatalf("ArchiveConversation: %v", err)
	}

	peers, err := s.PeersOf(ctx, "stu-1")
	if err != nil {
		t.Fatalf("PeersOf: %v", err)
	}
	want := []string{"drv-1", "sup-1"}
	if len(peers) != len(want) {
		t.Fatalf("peers = %v, want %v", peers, want)
	}
	for i := range want {
		if peers[i] != want[i] {
			t.Fatalf("peers = %v, want %v", peers, want)
		}
	}
}

func TestParticipantKey(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		ids  []string
		want string
	}{
		{name: "sorted join", ids: []string{"b", "a"}, want: "a+b"},
		{name: "dedup", ids: []string{"a", "a", "b"}, want: "a+b"},
		{name: "blank ids dropped", ids: []string{"a", " ", "b", ""}, want: "a+b"},
		{name: "empty", ids: nil, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParticipantKey(tc.ids); got != tc.want {
				t.Fatalf("ParticipantKey(%v) = %q, want %q", tc.ids, got, tc.want)
			}
		})
	}
}

func TestClampHistoryLimit(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want int
	}{
		{in: 0, want: DefaultHistoryLimit},
		{in: -5, want: DefaultHistoryLimit},
		{in: 25, want: 25},
		{in: MaxHistoryLimit + 1, want: MaxHistoryLimit},
	}
	for _, tc := range cases {
		if got := ClampHistoryLimit(tc.in); got != tc.want {
			t.Fatalf("ClampHistoryLimit(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func newFakePresence(online ...string) *fakePresence {
	f := &fakePresence{online: make(map[string]bool)}
	for _, id := range online {
		f.online[id] = true
	}
	return f
}

func (f *fakePresence) IsOnline(_ context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID], nil
}

func (f *fakePresence) set(userID string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = online
}

type sinkEvent struct {
	typ        string
	recipients []string
	msg        Message
	typing     TypingIndicator
}

type recordSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (r *recordSink) record(ev sinkEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordSink) MessageNew(recipients []string, m Message) {
	r.record(sinkEvent{typ: "new", recipients: recipients, msg: m})
}

func (r *recordSink) MessageDelivered(recipients []string, m Message) {
	r.record(sinkEvent{typ: "delivered", recipients: recipients, msg: m})
}

func (r *recordSink) MessageRead(recipients []string, m Message) {
	r.record(sinkEvent{typ: "read", recipients: recipients, msg: m})
}

func (r *recordSink) TypingChanged(recipients []string, t TypingIndicator) {
	r.record(sinkEvent{typ: "typing", recipients: recipients, typing: t})
}

func (r *recordSink) byType(typ string) []sinkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sinkEvent
	for _, ev := range r.events {
		if ev.typ == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newTestService(t *testing.T, presence Presence) (*Service, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	svc := NewService(nil, NewMemoryStore(), presence, nil)
	svc.SetSink(sink)
	return svc, sink
}

func mustConversation(t *testing.T, svc *Service, kind Kind, participants ...string) Conversation {
	t.Helper()
	res, err := svc.CreateOrFind(context.Background(), CreateOrFindInput{
		ParticipantIDs: participants,
		Kind:           kind,
		ActorID:        participants[0],
		ActorRole:      RoleStudent,
	})
	if err != nil {
		t.Fatalf("CreateOrFind: %v", err)
	}
	return res.Conversation
}

func TestCreateOrFindValidation(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateOrFindInput
		want error
	}{
		{
			name: "one participant",
			in:   CreateOrFindInput{ParticipantIDs: []string{"u1"}, Kind: KindStudentDriver, ActorID: "u1"},
			want: ErrValidation,
		},
		{
			name: "duplicate ids collapse below two",
			in:   CreateOrFindInput{ParticipantIDs: []string{"u1", "u1"}, Kind: KindStudentDriver, ActorID: "u1"},
			want: ErrValidation,
		},
		{
			name: "unknown kind",
			in:   CreateOrFindInput{ParticipantIDs: []string{"u1", "u2"}, Kind: Kind("group"), ActorID: "u1"},
			want: ErrValidation,
		},
		{
			name: "actor outside participant set",
			in:   CreateOrFindInput{ParticipantIDs: []string{"u1", "u2"}, Kind: KindStudentDriver, ActorID: "u3", ActorRole: RoleStudent},
			want: ErrForbidden,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateOrFind(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("CreateOrFind = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCreateOrFindAdminBypass(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, nil)

	res, err := svc.CreateOrFind(context.Background(), CreateOrFindInput{
		ParticipantIDs: []string{"stu-1", "sup-1"},
		Kind:           KindStudentSupport,
		ActorID:        "adm-1",
		ActorRole:      RoleAdmin,
	})
	if err != nil {
		t.Fatalf("admin CreateOrFind: %v", err)
	}
	if !res.Created {
		t.Fatal("expected a newly created conversation")
	}
}

func TestCreateOrFindConverges(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	first, err := svc.CreateOrFind(ctx, CreateOrFindInput{
		ParticipantIDs: []string{"stu-1", "drv-1"},
		Kind:           KindStudentDriver,
		ActorID:        "stu-1",
		ActorRole:      RoleStudent,
	})
	if err != nil {
		t.Fatalf("first CreateOrFind: %v", err)
	}
	if !first.Created {
		t.Fatal("first call should create")
	}

	// Same set in a different order, initiated by the other side.
	second, err := svc.CreateOrFind(ctx, CreateOrFindInput{
		ParticipantIDs: []string{"drv-1", "stu-1"},
		Kind:           KindStudentDriver,
		ActorID:        "drv-1",
		ActorRole:      RoleDriver,
	})
	if err != nil {
		t.Fatalf("second CreateOrFind: %v", err)
	}
	if second.Created {
		t.Fatal("second call should find, not create")
	}
	if second.Conversation.ID != first.Conversation.ID {
		t.Fatalf("conversation ids diverge: %s vs %s", first.Conversation.ID, second.Conversation.ID)
	}
}

func TestCreateOrFindConcurrent(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, nil)

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.CreateOrFind(context.Background(), CreateOrFindInput{
				ParticipantIDs: []string{"stu-1", "drv-1"},
				Kind:           KindStudentDriver,
				ActorID:        "stu-1",
				ActorRole:      RoleStudent,
			})
			if err != nil {
				t.Errorf("CreateOrFind: %v", err)
				return
			}
			ids[i] = res.Conversation.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent callers diverged: %s vs %s", ids[i], ids[0])
		}
	}
}

func TestSendValidation(t *testing.T) {
	t.Parallel()
	svc, sink := newTestService(t, nil)
	conv := mustConversation(t, svc, KindStudentDriver, "stu-1", "drv-1")
	ctx := context.Background()

	cases := []struct {
		name string
		in   SendInput
	}{
		{name: "empty body", in: SendInput{ConversationID: conv.ID, SenderID: "stu-1", Body: "   "}},
		{name: "body too long", in: SendInput{ConversationID: conv.ID, SenderID: "stu-1", Body: strings.Repeat("x", MaxBodyChars+1)}},
		{name: "unknown kind", in: SendInput{ConversationID: conv.ID, SenderID: "stu-1", Body: "hi", Kind: MessageKind("sticker")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := svc.Send(ctx, tc.in); !errors.Is(err, ErrValidation) {
				t.Fatalf("Send = %v, want ErrValidation", err)
			}
		})
	}

	// Nothing was persisted or fanned out.
	hist, err := svc.History(ctx, conv.ID, "stu-1", RoleStudent, nil, 50)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist.Messages) != 0 {
		t.Fatalf("rejected sends persisted %d messages", len(hist.Messages))
	}
	if got := sink.byType("new"); len(got) != 0 {
		t.Fatalf("rejected sends emitted %d events", len(got))
	}
}

func TestSendForbiddenAndArchived(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, nil)
	conv := mustConversation(t, svc, KindStudentDriver, "stu-1", "drv-1")
	ctx := context.Background()

	if _, _, err := svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "stranger", Body: "hi"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-participant Send = %v, want ErrForbidden", err)
	}
	if _, _, err := svc.Send(ctx, SendInput{ConversationID: "missing", SenderID: "stu-1", Body: "hi"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown conversation Send = %v, want ErrNotFound", err)
	}

	if err := svc.Archive(ctx, conv.ID, "stu-1", RoleStudent); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, _, err := svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "stu-1", Body: "hi"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("archived Send = %v, want ErrValidation", err)
	}
}

func TestSendStampsDeliveredForOnlineRecipient(t *testing.T) {
	t.Parallel()
	pres := newFakePresence("drv-1")
	svc, sink := newTestService(t, pres)
	conv := mustConversation(t, svc, KindStudentDriver, "stu-1", "drv-1")

	msg, dup, err := svc.Send(context.Background(), SendInput{ConversationID: conv.ID, SenderID: "stu-1", Body: "on my way"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if dup {
		t.Fatal("first send reported duplicate")
	}
	if msg.Seq != 1 {
		t.Fatalf("seq = %d, want 1", msg.Seq)
	}
	if !msg.Delivered() {
		t.Fatal("recipient online, message should be stamped delivered")
	}

	news := sink.byType("new")
	if len(news) != 1 {
		t.Fatalf("got %d message_new events, want 1", len(news))
	}
	if len(news[0].recipients) != 1 || news[0].recipients[0] != "drv-1" {
		t.Fatalf("message_new recipients = %v, want [drv-1]", news[0].recipients)
	}
	if !news[0].msg.Delivered() {
		t.Fatal("fanned-out message missing delivered stamp")
	}

	receipts := sink.byType("delivered")
	if len(receipts) != 1 {
		t.Fatalf("got %d delivered receipts, want 1", len(receipts))
	}
	if len(receipts[0].recipients) != 1 || receipts[0].recipients[0] != "stu-1" {
		t.Fatalf("delivered receipt recipients = %v, want the sender", receipts[0].recipients)
	}
}

func TestSendOfflineThenDeliverPending(t *testing.T) {
	t.Parallel()
	pres := newFakePresence()
	svc, sink := newTestService(t, pres)
	conv := mustConversation(t, svc, KindStudentDriver, "stu-1", "drv-1")
	ctx := context.Background()

	var sent []Message
	for _, body := range []string{"first", "second", "third"} {
		m, _, err := svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "stu-1", Body: body})
		if err != nil {
			t.Fatalf("Send %q: %v", body, err)
		}
		if m.Delivered() {
			t.Fatalf("message %q delivered while recipient offline", body)
		}
		sent = append(sent, m)
	}
	if got := sink.byType("delivered"); len(got) != 0 {
		t.Fatalf("offline sends produced %d delivered receipts", len(got))
	}

	// Driver reconnects: the sweep stamps everything pending, in seq order.
	pres.set("drv-1", true)
	swept, err := svc.DeliverPending(ctx, "drv-1")
	if err != nil {
		t.Fatalf("DeliverPending: %v", err)
	}
	if len(swept) != len(sent) {
		t.Fatalf("swept %d messages, want %d", len(swept), len(sent))
	}
	for i, m := range swept {
		if m.ID != sent[i].ID {
			t.Fatalf("sweep order: got %s at %d, want %s", m.ID, i, sent[i].ID)
		}
		if !m.Delivered() {
			t.Fatalf("swept message %s missing delivered stamp", m.ID)
		}
	}
	if got := sink.byType("delivered"); len(got) != len(sent) {
		t.Fatalf("sweep emitted %d receipts, want %d", len(got), len(sent))
	}

	// A second sweep finds nothing.
	again, err := svc.DeliverPending(ctx, "drv-1")
	if err != nil {
		t.Fatalf("second DeliverPending: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second sweep returned %d messages", len(again))
	}
}

func TestSendDuplicateClientMsgID(t *testing.T) {
	t.Parallel()
	svc, sink := newTestService(t, nil)
	conv := mustConversation(t, svc, KindStudentDriver, "stu-1", "drv-1")
	ctx := context.Background()

	in := SendInput{ConversationID: conv.ID, SenderID: "stu-1", Body: "ping", ClientMsgID: "cli-1"}
	first, dup, err := svc.Send(ctx, in)
	if err != nil || dup {
		t.Fatalf("first Send: msg=%v dup=%v err=%v", first.ID, dup, err)
	}

	second, dup, err := svc.Send(ctx, in)
	if err != nil {
		t.Fatalf("retried Send: %v", err)
	}
	if !dup {
		t.Fatal("retry with the same client_msg_id should report duplicate")
	}
	if second.ID != first.ID || second.Seq != first.Seq {
		t.Fatalf("retry returned (%s, %d), want original (%s, %d)", second.ID, second.Seq, first.ID, first.Seq)
	}
	if got := sink.byType("new"); len(got) != 1 {
		t.Fatalf("duplicate send fanned out again: %d message_new events", len(got))
	}

	// The dedupe hit must not burn a sequence number.
	next, _, err := svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "stu-1", Body: "pong"})
	if err != nil {
		t.Fatalf("follow-up Send: %v", err)
	}
	if next.Seq != first.Seq+1 {
		t.Fatalf("follow-up seq = %d, want %d", next.Seq, first.Seq+1)
	}
}

func TestMarkReadImpliesDeliveredAndIsIdempotent(t *testing.T) {
	t.Parallel()
	svc, sink := newTestService(t, nil)
	conv := mustConversation(t, svc, KindStudentDriver, "stu-1", "drv-1")
	ctx := context.Background()

	msg, _, err := svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "stu-1", Body: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	read, err := svc.MarkRead(ctx, msg.ID, "drv-1")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if !read.Read() {
		t.Fatal("read stamp missing")
	}
	if !read.Delivered() {
		t.Fatal("read must imply delivered")
	}
	if read.ReadAt.Before(*read.DeliveredAt) {
		t.Fatalf("read_at %v precedes delivered_at %v", read.ReadAt, read.DeliveredAt)
	}

	again, err := svc.MarkRead(ctx, msg.ID, "drv-1")
	if err != nil {
		t.Fatalf("repeat MarkRead: %v", err)
	}
	if !again.ReadAt.Equal(*read.ReadAt) {
		t.Fatalf("read_at regressed: %v -> %v", read.ReadAt, again.ReadAt)
	}
	if got := sink.byType("read"); len(got) != 1 {
		t.Fatalf("got %d read receipts, want 1", len(got))
	}

	// Delivering after read must not regress either stamp.
	after, err := svc.MarkDelivered(ctx, msg.ID, "drv-1")
	if err != nil {
		t.Fatalf("MarkDelivered after read: %v", err)
	}
	if !after.DeliveredAt.Equal(*read.DeliveredAt) {
		t.Fatalf("delivered_at regressed: %v -> %v", read.DeliveredAt, after.DeliveredAt)
	}
}

func TestMarkReadSenderForbidden(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, nil)
	conv := mustConversation(t, svc, KindStudentDriver, "stu-1", "drv-1")
	ctx := context.Background()

	msg, _, err := svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "stu-1", Body: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := svc.MarkRead(ctx, msg.ID, "stu-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("sender MarkRead = %v, want ErrForbidden", err)
	}
	if _, err := svc.MarkRead(ctx, msg.ID, "stranger"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider MarkRead = %v, want ErrForbidden", err)
	}
}

func TestListConversationsUnreadCounts(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, nil)
	conv := mustConversation(t, svc, KindStudentDriver, "stu-1", "drv-1")
	ctx := context.Background()

	var msgs []Message
	for _, body := range []string{"a", "b", "c"} {
		m, _, err := svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "stu-1", Body: body})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		msgs = append(msgs, m)
	}

	sums, err := svc.ListConversations(ctx, "drv-1")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("got %d conversations, want 1", len(sums))
	}
	if sums[0].UnreadCount != 3 {
		t.Fatalf("unread = %d, want 3", sums[0].UnreadCount)
	}

	// Reading the second message clears everything at or before it.
	if _, err := svc.MarkRead(ctx, msgs[1].ID, "drv-1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	sums, err = svc.ListConversations(ctx, "drv-1")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if sums[0].UnreadCount != 1 {
		t.Fatalf("unread after read = %d, want 1", sums[0].UnreadCount)
	}

	// The sender has nothing unread in their own conversation.
	sums, err = svc.ListConversations(ctx, "stu-1")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if sums[0].UnreadCount != 0 {
		t.Fatalf("sender unread = %d, want 0", sums[0].UnreadCount)
	}
}

func TestHistoryPaging(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, nil)
	conv := mustConversation(t, svc, KindStudentDriver, "stu-1", "drv-1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, _, err := svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "stu-1", Body: "m" + string(rune('0'+i))}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	page, err := svc.History(ctx, conv.ID, "drv-1", RoleDriver, nil, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("first page: %d messages, hasMore=%v", len(page.Messages), page.HasMore)
	}
	if page.Messages[0].Seq != 1 || page.Messages[1].Seq != 2 {
		t.Fatalf("first page seqs = %d,%d", page.Messages[0].Seq, page.Messages[1].Seq)
	}

	after := page.Messages[1].Seq
	rest, err := svc.History(ctx, conv.ID, "drv-1", RoleDriver, &after, 10)
	if err != nil {
		t.Fatalf("History page 2: %v", err)
	}
	if len(rest.Messages) != 3 || rest.HasMore {
		t.Fatalf("second page: %d messages, hasMore=%v", len(rest.Messages), rest.HasMore)
	}
	if rest.Messages[0].Seq != 3 {
		t.Fatalf("second page starts at seq %d, want 3", rest.Messages[0].Seq)
	}

	if _, err := svc.History(ctx, conv.ID, "stranger", RoleStudent, nil, 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider History = %v, want ErrForbidden", err)
	}
	// Admins may read any conversation.
	if _, err := svc.History(ctx, conv.ID, "adm-1", RoleAdmin, nil, 10); err != nil {
		t.Fatalf("admin History: %v", err)
	}
}

func TestDeleteMessageSenderOnly(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, nil)
	conv := mustConversation(t, svc, KindStudentDriver, "stu-1", "drv-1")
	ctx := context.Background()

	msg, _, err := svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "stu-1", Body: "oops"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := svc.DeleteMessage(ctx, msg.ID, "drv-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-sender delete = %v, want ErrForbidden", err)
	}
	if err := svc.DeleteMessage(ctx, msg.ID, "stu-1"); err != nil {
		t.Fatalf("sender delete: %v", err)
	}

	hist, err := svc.History(ctx, conv.ID, "drv-1", RoleDriver, nil, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist.Messages) != 0 {
		t.Fatalf("deleted message still in history: %d rows", len(hist.Messages))
	}
}

func TestSetTyping(t *testing.T) {
	t.Parallel()
	svc, sink := newTestService(t, nil)
	conv := mustConversation(t, svc, KindStudentDriver, "stu-1", "drv-1")
	ctx := context.Background()

	if err := svc.SetTyping(ctx, conv.ID, "stranger", true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider SetTyping = %v, want ErrForbidden", err)
	}
	if err := svc.SetTyping(ctx, conv.ID, "stu-1", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}

	events := sink.byType("typing")
	if len(events) != 1 {
		t.Fatalf("got %d typing events, want 1", len(events))
	}
	if len(events[0].recipients) != 1 || events[0].recipients[0] != "drv-1" {
		t.Fatalf("typing recipients = %v, want [drv-1]", events[0].recipients)
	}
	if !events[0].typing.Typing {
		t.Fatal("typing event should carry typing=true")
	}

	active, err := svc.ListTyping(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListTyping: %v", err)
	}
	if len(active) != 1 || active[0].UserID != "stu-1" {
		t.Fatalf("ListTyping = %+v, want stu-1", active)
	}

	if err := svc.SetTyping(ctx, conv.ID, "stu-1", false); err != nil {
		t.Fatalf("SetTyping stop: %v", err)
	}
	active, err = svc.ListTyping(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListTyping: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("ListTyping after stop = %+v, want empty", active)
	}
}

func TestRecordUser(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if err := svc.RecordUser(ctx, User{ID: " ", Role: RoleStudent}); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank id RecordUser = %v, want ErrValidation", err)
	}
	if err := svc.RecordUser(ctx, User{ID: "u1", Role: Role("ghost")}); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown role RecordUser = %v, want ErrValidation", err)
	}
	if err := svc.RecordUser(ctx, User{ID: "u1", Name: "Sara", Role: RoleStudent}); err != nil {
		t.Fatalf("RecordUser: %v", err)
	}
}

func TestArchiveAuthorization(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, nil)
	conv := mustConversation(t, svc, KindStudentDriver, "stu-1", "drv-1")
	ctx := context.Background()

	if err := svc.Archive(ctx, conv.ID, "stranger", RoleStudent); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider Archive = %v, want ErrForbidden", err)
	}
	if err := svc.Archive(ctx, conv.ID, "adm-1", RoleAdmin); err != nil {
		t.Fatalf("admin Archive: %v", err)
	}

	// Archived conversations stay readable by direct fetch but drop out of listings.
	got, err := svc.GetConversation(ctx, conv.ID, "stu-1", RoleStudent)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Status != StatusArchived {
		t.Fatalf("status = %s, want archived", got.Status)
	}
	sums, err := svc.ListConversations(ctx, "stu-1")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(sums) != 0 {
		t.Fatalf("archived conversation still listed: %d rows", len(sums))
	}
}

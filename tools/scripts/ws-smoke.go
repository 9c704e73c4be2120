// Package main provides a CI-friendly WebSocket smoke test for the
// shuttlechat realtime surface.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello (token) / hello_ack session establishment
//   - conversation create over REST + join over WS
//   - send -> ack, fanout message_new, delivered receipt to the sender
//   - read_send -> message_read receipt
//   - typing -> typing_state fanout
//   - history fetch
//   - idempotent dedupe by client_msg_id
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"shuttlechat/cmd/security/token"
	v1 "shuttlechat/shared/contracts/chat/v1"
)

const (
	defaultSubprotocol = "shuttlechat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "REST base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-student-1", "First participant user id (student)")
		userB   = flag.String("user-b", "smoke-driver-1", "Second participant user id (driver)")
		body    = flag.String("body", "hello shuttle 👋", "Message body to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	key, err := token.HMACKeyFromEnv(token.MinKeyBytes)
	if err != nil {
		fatalf("read %s: %v", token.HMACEnvKey, err)
	}

	tokenA := mustSign(key, *userA, "student")
	tokenB := mustSign(key, *userB, "driver")

	root := context.Background()

	convID := mustCreateConversation(root, *apiURL, tokenA, []string{*userA, *userB}, *timeout)
	if *verbose {
		fmt.Printf("conversation: %s\n", convID)
	}

	a := mustConnect(root, "A", *userA, tokenA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, tokenB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	mustJoin(root, a, convID, *timeout)
	mustJoin(root, b, convID, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	msgID, seq := mustSendAndAssertAck(root, a, convID, clientMsgID, *body, *timeout)

	mustAssertNew(root, b, convID, msgID, seq, a.userID, *body, *timeout)

	// B was online, so A should see the delivered receipt.
	mustAssertReceipt(root, a, v1.TypeMessageDelivered, msgID, *timeout)

	mustReadSend(root, b, msgID, *timeout)
	mustAssertReceipt(root, a, v1.TypeMessageRead, msgID, *timeout)

	mustTyping(root, b, convID, true, *timeout)
	mustAssertTypingState(root, a, convID, b.userID, true, *timeout)

	mustHistoryFetchContains(root, b, convID, nil, 50, msgID, seq, a.userID, *body, *timeout)

	after := seq
	mustHistoryFetchEmpty(root, b, convID, &after, 50, *timeout)

	dupID, seq2 := mustSendAndAssertAck(root, a, convID, clientMsgID, *body, *timeout)
	if seq2 != seq || dupID != msgID {
		fatalf("dedupe mismatch: first=(%s,%d) second=(%s,%d)", msgID, seq, dupID, seq2)
	}

	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s conv_id=%s seq=%d message_id=%s\n", a.sessionID, b.sessionID, convID, seq, msgID)
}

func mustSign(key []byte, userID, role string) string {
	t, err := token.Sign(key, token.Claims{UserID: userID, Role: role}, time.Hour, time.Now().UTC())
	if err != nil {
		fatalf("sign token for %s: %v", userID, err)
	}
	return t
}

func mustCreateConversation(parent context.Context, apiURL, bearer string, participants []string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	reqBody, _ := json.Marshal(map[string]any{
		"participant_ids": participants,
		"kind":            "student_driver",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(apiURL, "/")+"/api/v1/conversations", bytes.NewReader(reqBody))
	if err != nil {
		fatalf("build create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("create conversation: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		fatalf("create conversation: status=%d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("decode create response: %v", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		fatalf("create response missing id")
	}
	return out.ID
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, accessToken, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Token: accessToken}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello_ack user_id mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeConversationJoin,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.ConversationJoinPayload{ConversationID: convID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// Presence updates may arrive while waiting for the join echo.
	skip := map[string]struct{}{v1.TypePresenceUpdate: {}}
	echo := c.mustReadUntilType(parent, v1.TypeConversationJoined, stepTimeout, skip)

	var p v1.ConversationJoinedPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("join echo conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if strings.TrimSpace(p.Kind) == "" {
		fatalf("join echo missing kind (%s)", c.name)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convID, clientMsgID, body string, stepTimeout time.Duration) (messageID string, seq int64) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientMsgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			ConversationID: convID,
			ClientMsgID:    clientMsgID,
			Body:           body,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{
		v1.TypeMessageNew:       {},
		v1.TypeMessageDelivered: {},
		v1.TypePresenceUpdate:   {},
		v1.TypeTypingState:      {},
	}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("ack conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	return p.MessageID, p.Seq
}

func mustAssertNew(parent context.Context, c *smokeClient, convID, messageID string, seq int64, senderID, body string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypePresenceUpdate: {}}
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, skip)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_new payload (%s): %v", c.name, err)
	}

	if p.ConversationID != convID {
		fatalf("new conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.MessageID != messageID {
		fatalf("new message_id mismatch (%s): got=%q want=%q", c.name, p.MessageID, messageID)
	}
	if p.Seq != seq {
		fatalf("new seq mismatch (%s): got=%d want=%d", c.name, p.Seq, seq)
	}
	if p.SenderID != senderID {
		fatalf("new sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	}
	if p.Body != body {
		fatalf("new body mismatch (%s): got=%q want=%q", c.name, p.Body, body)
	}
	if p.CreatedAt.IsZero() {
		fatalf("new created_at missing/zero (%s)", c.name)
	}
}

func mustAssertReceipt(parent context.Context, c *smokeClient, receiptType, messageID string, stepTimeout time.Duration) {
	skip := map[string]struct{}{
		v1.TypePresenceUpdate: {},
		v1.TypeTypingState:    {},
	}
	env := c.mustReadUntilType(parent, receiptType, stepTimeout, skip)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal %s payload (%s): %v", receiptType, c.name, err)
	}
	if p.MessageID != messageID {
		fatalf("%s message_id mismatch (%s): got=%q want=%q", receiptType, c.name, p.MessageID, messageID)
	}
	if receiptType == v1.TypeMessageDelivered && p.DeliveredAt == nil {
		fatalf("%s missing delivered_at (%s)", receiptType, c.name)
	}
	if receiptType == v1.TypeMessageRead && p.ReadAt == nil {
		fatalf("%s missing read_at (%s)", receiptType, c.name)
	}
}

func mustReadSend(parent context.Context, c *smokeClient, messageID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeReadSend,
		ID:      fmt.Sprintf("%s-read", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.ReadSendPayload{MessageID: messageID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustTyping(parent context.Context, c *smokeClient, convID string, typing bool, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeTyping,
		ID:      fmt.Sprintf("%s-typing", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.TypingPayload{ConversationID: convID, Typing: typing}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertTypingState(parent context.Context, c *smokeClient, convID, userID string, typing bool, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypePresenceUpdate: {}}
	env := c.mustReadUntilType(parent, v1.TypeTypingState, stepTimeout, skip)

	var p v1.TypingStatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal typing_state payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID || p.UserID != userID || p.Typing != typing {
		fatalf("typing_state mismatch (%s): got=(%q,%q,%v)", c.name, p.ConversationID, p.UserID, p.Typing)
	}
}

func mustHistoryFetchContains(
	parent context.Context,
	c *smokeClient,
	convID string,
	afterSeq *int64,
	limit int,
	messageID string,
	seq int64,
	senderID, body string,
	stepTimeout time.Duration,
) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{
			ConversationID: convID,
			AfterSeq:       afterSeq,
			Limit:          limit,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	skip := map[string]struct{}{v1.TypePresenceUpdate: {}, v1.TypeTypingState: {}}
	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, skip)

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history_chunk payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("history_chunk conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}

	found := false
	for _, m := range p.Messages {
		if m.ConversationID == convID &&
			m.MessageID == messageID &&
			m.Seq == seq &&
			m.SenderID == senderID &&
			m.Body == body &&
			!m.CreatedAt.IsZero() {
			found = true
			break
		}
	}
	if !found {
		fatalf("history_chunk missing expected message (%s)", c.name)
	}
}

func mustHistoryFetchEmpty(parent context.Context, c *smokeClient, convID string, afterSeq *int64, limit int, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch-empty", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{
			ConversationID: convID,
			AfterSeq:       afterSeq,
			Limit:          limit,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	skip := map[string]struct{}{v1.TypePresenceUpdate: {}, v1.TypeTypingState: {}}
	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, skip)

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history_chunk payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("history_chunk conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if len(p.Messages) != 0 {
		fatalf("expected empty history chunk (%s), got=%d", c.name, len(p.Messages))
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

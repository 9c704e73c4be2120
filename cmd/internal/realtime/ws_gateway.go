package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"shuttlechat/cmd/internal/chat"
	"shuttlechat/cmd/internal/presence"
	"shuttlechat/cmd/security/token"
	v1 "shuttlechat/shared/contracts/chat/v1"
)

const (
	wsSubprotocolV1 = "shuttlechat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultAuthTimeout  = 10 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for the realtime surface.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, authenticates the session from the first hello envelope, and
// routes validated envelopes to the chat service. Events flowing back from
// the service reach clients through the Hub (see sink.go).
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	svc      *chat.Service
	registry presence.Registry
	verifier *token.Verifier

	connGauge prometheus.Gauge

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	authTimeout     time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults and wires itself in
// as the service's event sink.
func NewWSGateway(log *slog.Logger, hub *Hub, svc *chat.Service, registry presence.Registry, verifier *token.Verifier) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{log: log, hub: hub, svc: svc, registry: registry, verifier: verifier}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("SHUTTLECHAT_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("SHUTTLECHAT_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("SHUTTLECHAT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("SHUTTLECHAT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("SHUTTLECHAT_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.authTimeout = envDurationWS("SHUTTLECHAT_WS_AUTH_TIMEOUT", wsDefaultAuthTimeout)

	g.sendQueueSize = envIntWS("SHUTTLECHAT_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("SHUTTLECHAT_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("SHUTTLECHAT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("SHUTTLECHAT_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("SHUTTLECHAT_WS_RATE_WINDOW", rateLimitWindow)

	if svc != nil {
		svc.SetSink(g)
	}
	return g
}

// SetConnectionsGauge attaches the open-connections gauge. Optional.
func (g *WSGateway) SetConnectionsGauge(gauge prometheus.Gauge) {
	g.connGauge = gauge
}

func (g *WSGateway) incConn() {
	if g.connGauge != nil {
		g.connGauge.Inc()
	}
}

func (g *WSGateway) decConn() {
	if g.connGauge != nil {
		g.connGauge.Dec()
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
//
// Session lifecycle: accept -> hello (token auth) -> presence register ->
// hub attach -> hello_ack -> delivery sweep -> event loop. Teardown reverses
// the order so no fanout can reach a half-dead session.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := uuid.NewString()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The first envelope must be hello with a valid token. Nothing touches
	// presence or the hub before that succeeds.
	claims, err := g.awaitHello(ctx, conn)
	if err != nil {
		g.log.Info("ws.reject.auth", "session_id", sessionID, "err", err)
		g.writeErrorDirect(ctx, conn, "auth_failed", "authentication failed")
		_ = conn.Close(websocket.StatusPolicyViolation, "auth failed")
		return
	}
	role := chat.Role(claims.Role)
	if !chat.ValidRole(role) {
		g.log.Info("ws.reject.role", "session_id", sessionID, "role", claims.Role)
		g.writeErrorDirect(ctx, conn, "auth_failed", "unknown role")
		_ = conn.Close(websocket.StatusPolicyViolation, "auth failed")
		return
	}

	// Best-effort projection refresh; the session proceeds even if the
	// store is briefly unavailable.
	if err := g.svc.RecordUser(ctx, chat.User{ID: claims.UserID, Name: claims.Name, Email: claims.Email, Role: role}); err != nil {
		g.log.Error("ws.user.record", "user_id", claims.UserID, "err", err)
	}

	wasOnline, err := g.registry.Register(ctx, claims.UserID, claims.Role, sessionID)
	if err != nil {
		g.log.Error("ws.presence.register", "user_id", claims.UserID, "err", err)
		g.writeErrorDirect(ctx, conn, "presence_unavailable", "presence registry unavailable")
		_ = conn.Close(websocket.StatusInternalError, "presence unavailable")
		return
	}

	client := NewClient(claims.UserID, sessionID, g.sendQueueSize)
	g.hub.Add(client)
	g.incConn()

	// Conversations this connection has joined. Touched only by the read
	// loop goroutine.
	joined := make(map[string]struct{})

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Hub removal precedes client.Close so broadcasters never race a closed done channel.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Remove(claims.UserID, sessionID)

			unregCtx, unregCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, _, err := g.registry.Unregister(unregCtx, sessionID); err != nil {
				g.log.Error("ws.presence.unregister", "session_id", sessionID, "err", err)
			}
			unregCancel()

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.decConn()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0

				if err := g.registry.Heartbeat(ctx, sessionID); err != nil {
					g.log.Error("ws.presence.heartbeat", "session_id", sessionID, "err", err)
				}
			}
		}
	}()

	g.log.Info("ws.session.start", "user_id", claims.UserID, "session_id", sessionID, "was_online", wasOnline)

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{
		SessionID: sessionID,
		UserID:    claims.UserID,
		Role:      claims.Role,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())) {
		shutdown(websocket.StatusAbnormalClosure, "backpressure on handshake")
		return
	}

	// Delivery sweep: everything still undelivered to this user is stamped
	// now and replayed in (conversation, seq) order.
	g.sweepPending(ctx, client)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			g.trySendError(ctx, client, "already_authenticated", "session is already authenticated")

		case v1.TypeConversationJoin:
			if err := g.onJoin(ctx, client, role, joined, env); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, client, joined, env, now); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeReadSend:
			if err := g.onReadSend(ctx, client, env); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeTyping:
			if err := g.onTyping(ctx, client, joined, env); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeHistoryFetch:
			if err := g.onHistoryFetch(ctx, client, role, joined, env); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handshake ----

// awaitHello reads and verifies the opening hello envelope.
func (g *WSGateway) awaitHello(ctx context.Context, conn *websocket.Conn) (token.Claims, error) {
	authCtx, authCancel := context.WithTimeout(ctx, g.authTimeout)
	defer authCancel()

	env, err := readEnvelope(authCtx, conn)
	if err != nil {
		return token.Claims{}, fmt.Errorf("read hello: %w", err)
	}
	if err := env.Validate(); err != nil {
		return token.Claims{}, err
	}
	if env.Type != v1.TypeHello {
		return token.Claims{}, fmt.Errorf("expected %s, got %s", v1.TypeHello, env.Type)
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return token.Claims{}, fmt.Errorf("invalid payload: %w", err)
	}
	return g.verifier.Verify(p.Token)
}

// sweepPending delivers every message still waiting for this user and replays
// the result to the freshly connected session.
func (g *WSGateway) sweepPending(ctx context.Context, client *Client) {
	swept, err := g.svc.DeliverPending(ctx, client.UserID)
	if err != nil {
		g.log.Error("ws.sweep.fail", "user_id", client.UserID, "err", err)
		return
	}
	for _, m := range swept {
		raw, err := json.Marshal(messagePayload(m))
		if err != nil {
			continue
		}
		if !g.enqueue(ctx, client, newEnvelope(v1.TypeMessageNew, raw, time.Now().UTC())) {
			g.log.Info("ws.sweep.backpressure", "user_id", client.UserID, "message_id", m.ID)
			return
		}
	}
}

// ---- handlers ----

func (g *WSGateway) onJoin(ctx context.Context, client *Client, role chat.Role, joined map[string]struct{}, env v1.Envelope) error {
	var p v1.ConversationJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return fmt.Errorf("%w: missing conversation_id", chat.ErrValidation)
	}

	conv, err := g.svc.GetConversation(ctx, convID, client.UserID, role)
	if err != nil {
		return err
	}
	joined[conv.ID] = struct{}{}

	echoPayload, _ := json.Marshal(v1.ConversationJoinedPayload{
		ConversationID: conv.ID,
		Kind:           string(conv.Kind),
		Status:         string(conv.Status),
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeConversationJoined, echoPayload, time.Now().UTC())) {
		delete(joined, conv.ID)
		return errors.New("backpressure: join echo")
	}

	// Anyone still composing shows up immediately after the join.
	if typing, err := g.svc.ListTyping(ctx, conv.ID); err == nil {
		for _, t := range typing {
			if t.UserID == client.UserID {
				continue
			}
			raw, _ := json.Marshal(v1.TypingStatePayload{
				ConversationID: t.ConversationID,
				UserID:         t.UserID,
				Typing:         t.Typing,
				At:             t.UpdatedAt,
			})
			g.enqueue(ctx, client, newEnvelope(v1.TypeTypingState, raw, time.Now().UTC()))
		}
	}
	return nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, joined map[string]struct{}, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return fmt.Errorf("%w: missing conversation_id", chat.ErrValidation)
	}
	if _, ok := joined[convID]; !ok {
		return fmt.Errorf("%w: join the conversation first", chat.ErrForbidden)
	}

	msg, duplicate, err := g.svc.Send(ctx, chat.SendInput{
		ConversationID: convID,
		SenderID:       client.UserID,
		Body:           p.Body,
		Kind:           chat.MessageKind(p.Kind),
		ReplyToID:      p.ReplyToID,
		ClientMsgID:    p.ClientMsgID,
	})
	if err != nil {
		return err
	}

	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		ConversationID: msg.ConversationID,
		ClientMsgID:    msg.ClientMsgID,
		MessageID:      msg.ID,
		Seq:            msg.Seq,
		Duplicate:      duplicate,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeMessageAck, ackPayload, now)) {
		return errors.New("backpressure: ack")
	}
	return nil
}

func (g *WSGateway) onReadSend(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ReadSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		return fmt.Errorf("%w: missing message_id", chat.ErrValidation)
	}

	_, err := g.svc.MarkRead(ctx, p.MessageID, client.UserID)
	return err
}

func (g *WSGateway) onTyping(ctx context.Context, client *Client, joined map[string]struct{}, env v1.Envelope) error {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return fmt.Errorf("%w: missing conversation_id", chat.ErrValidation)
	}
	if _, ok := joined[convID]; !ok {
		return fmt.Errorf("%w: join the conversation first", chat.ErrForbidden)
	}

	return g.svc.SetTyping(ctx, convID, client.UserID, p.Typing)
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, role chat.Role, joined map[string]struct{}, env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return fmt.Errorf("%w: missing conversation_id", chat.ErrValidation)
	}
	if _, ok := joined[convID]; !ok {
		return fmt.Errorf("%w: join the conversation first", chat.ErrForbidden)
	}

	out, err := g.svc.History(ctx, convID, client.UserID, role, p.AfterSeq, p.Limit)
	if err != nil {
		return err
	}

	msgs := make([]v1.MessagePayload, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, messagePayload(m))
	}

	chunkPayload, _ := json.Marshal(v1.HistoryChunkPayload{
		ConversationID: convID,
		Messages:       msgs,
		HasMore:        out.HasMore,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeHistoryChunk, chunkPayload, time.Now().UTC())) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

// writeErrorDirect writes an error envelope on the raw conn. Only valid
// before the writer goroutine exists (the handshake phase).
func (g *WSGateway) writeErrorDirect(ctx context.Context, conn *websocket.Conn, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = writeEnvelope(ctx, conn, env, g.writeTimeout)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// errCode maps domain errors to wire error codes.
func errCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrValidation):
		return "validation_failed"
	case errors.Is(err, chat.ErrForbidden):
		return "forbidden"
	case errors.Is(err, chat.ErrNotFound):
		return "not_found"
	case errors.Is(err, chat.ErrConflict):
		return "conflict"
	case errors.Is(err, chat.ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, token.ErrInvalidToken):
		return "auth_failed"
	default:
		return "internal"
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Deterministic order keeps startup logs comparable across restarts.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

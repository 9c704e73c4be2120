// Package chatapi exposes the messaging core over REST for dashboard and
// mobile clients that do not hold a websocket open.
package chatapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"shuttlechat/cmd/internal/chat"
	"shuttlechat/cmd/internal/presence"
	"shuttlechat/cmd/security/token"
)

// Handler wires HTTP messaging endpoints to the chat service.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	svc      *chat.Service
	registry presence.Registry
	verifier *token.Verifier
}

// NewHandler constructs a chat Handler.
func NewHandler(log *slog.Logger, cfg Config, svc *chat.Service, registry presence.Registry, verifier *token.Verifier) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if svc == nil {
		return nil, errors.New("chatapi: nil chat service")
	}
	if verifier == nil {
		return nil, errors.New("chatapi: nil token verifier")
	}
	return &Handler{
		log:      log,
		cfg:      cfg.withDefaults(),
		svc:      svc,
		registry: registry,
		verifier: verifier,
	}, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/v1/conversations", h.handleCreateConversation)
	mux.HandleFunc("GET /api/v1/conversations", h.handleListConversations)
	mux.HandleFunc("GET /api/v1/conversations/{id}", h.handleGetConversation)
	mux.HandleFunc("POST /api/v1/conversations/{id}/archive", h.handleArchiveConversation)
	mux.HandleFunc("GET /api/v1/conversations/{id}/messages", h.handleHistory)
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages", h.handleSendMessage)
	mux.HandleFunc("POST /api/v1/messages/{id}/read", h.handleMarkRead)
	mux.HandleFunc("POST /api/v1/messages/{id}/delivered", h.handleMarkDelivered)
	mux.HandleFunc("DELETE /api/v1/messages/{id}", h.handleDeleteMessage)
	mux.HandleFunc("GET /api/v1/online", h.handleListOnline)
}

// ---- auth ----

// authenticate extracts and verifies the bearer token. On failure it writes
// the 401 itself and returns ok=false.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (token.Claims, chat.Role, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if raw == "" || !strings.HasPrefix(raw, prefix) {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing bearer token")
		return token.Claims{}, "", false
	}

	claims, err := h.verifier.Verify(strings.TrimSpace(raw[len(prefix):]))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "auth_failed", "invalid token")
		return token.Claims{}, "", false
	}
	role := chat.Role(claims.Role)
	if !chat.ValidRole(role) {
		writeError(w, http.StatusUnauthorized, "auth_failed", "unknown role")
		return token.Claims{}, "", false
	}
	return claims, role, true
}

// ---- handlers ----

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	claims, role, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req createConversationRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	res, err := h.svc.CreateOrFind(r.Context(), chat.CreateOrFindInput{
		ParticipantIDs: req.ParticipantIDs,
		Kind:           chat.Kind(req.Kind),
		TripID:         req.TripID,
		Title:          req.Title,
		ActorID:        claims.UserID,
		ActorRole:      role,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toConversationResponse(res.Conversation, res.ParticipantIDs, res.Created))
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	claims, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	sums, err := h.svc.ListConversations(r.Context(), claims.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	out := make([]conversationSummaryResponse, 0, len(sums))
	for _, s := range sums {
		out = append(out, conversationSummaryResponse{
			conversationResponse: toConversationResponse(s.Conversation, s.ParticipantIDs, false),
			LastMessageAt:        s.LastMessageAt,
			UnreadCount:          s.UnreadCount,
		})
	}
	writeJSON(w, http.StatusOK, listConversationsResponse{Conversations: out})
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	claims, role, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conv, err := h.svc.GetConversation(r.Context(), r.PathValue("id"), claims.UserID, role)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(conv, nil, false))
}

func (h *Handler) handleArchiveConversation(w http.ResponseWriter, r *http.Request) {
	claims, role, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	if err := h.svc.Archive(r.Context(), r.PathValue("id"), claims.UserID, role); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	claims, role, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var afterSeq *int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_query", "after_seq must be a non-negative integer")
			return
		}
		afterSeq = &n
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_query", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	convID := r.PathValue("id")
	out, err := h.svc.History(r.Context(), convID, claims.UserID, role, afterSeq, limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	msgs := make([]messageResponse, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, toMessageResponse(m, false))
	}
	writeJSON(w, http.StatusOK, historyResponse{
		ConversationID: convID,
		Messages:       msgs,
		HasMore:        out.HasMore,
	})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	claims, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	msg, duplicate, err := h.svc.Send(r.Context(), chat.SendInput{
		ConversationID: r.PathValue("id"),
		SenderID:       claims.UserID,
		Body:           req.Body,
		Kind:           chat.MessageKind(req.Kind),
		ReplyToID:      req.ReplyToID,
		ClientMsgID:    req.ClientMsgID,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, toMessageResponse(msg, duplicate))
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	msg, err := h.svc.MarkRead(r.Context(), r.PathValue("id"), claims.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg, false))
}

func (h *Handler) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	claims, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	msg, err := h.svc.MarkDelivered(r.Context(), r.PathValue("id"), claims.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg, false))
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	claims, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	if err := h.svc.DeleteMessage(r.Context(), r.PathValue("id"), claims.UserID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListOnline serves online-user discovery, e.g. /api/v1/online?role=driver
// for the "available drivers" screen.
func (h *Handler) handleListOnline(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.authenticate(w, r); !ok {
		return
	}
	if h.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "presence_unavailable", "presence registry not configured")
		return
	}

	role := strings.TrimSpace(r.URL.Query().Get("role"))
	if role != "" && !chat.ValidRole(chat.Role(role)) {
		writeError(w, http.StatusBadRequest, "invalid_query", "unknown role filter")
		return
	}

	users, err := h.registry.ListOnline(r.Context(), role)
	if err != nil {
		h.log.Error("api.online.list", "err", err)
		writeError(w, http.StatusServiceUnavailable, "presence_unavailable", "presence registry unavailable")
		return
	}
	if users == nil {
		users = []presence.UserSummary{}
	}
	writeJSON(w, http.StatusOK, onlineResponse{Users: users})
}

// ---- error mapping ----

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, chat.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, chat.ErrStorageUnavailable):
		h.log.Error("api.storage.unavailable", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable")
	default:
		h.log.Error("api.internal", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

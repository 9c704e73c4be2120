package realtime

import (
	"log/slog"
	"sync"

	v1 "shuttlechat/shared/contracts/chat/v1"
)

// Hub indexes connected clients by user id so that pipeline fanout can
// address users rather than sockets. One user may hold several sessions
// (multi-device); every session receives the push.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	users map[string]map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		users: make(map[string]map[string]*Client),
	}
}

// Add registers a client under its user id.
func (h *Hub) Add(c *Client) {
	if h == nil || c == nil || c.UserID == "" || c.SessionID == "" {
		return
	}

	h.mu.Lock()
	sessions := h.users[c.UserID]
	if sessions == nil {
		sessions = make(map[string]*Client)
		h.users[c.UserID] = sessions
	}
	sessions[c.SessionID] = c
	h.mu.Unlock()

	h.log.Info("hub.client.add", "user_id", c.UserID, "session_id", c.SessionID)
}

// Remove drops a client session. It does not close the client; the gateway
// owns client shutdown ordering.
func (h *Hub) Remove(userID, sessionID string) {
	if h == nil || userID == "" || sessionID == "" {
		return
	}

	h.mu.Lock()
	if sessions := h.users[userID]; sessions != nil {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(h.users, userID)
		}
	}
	h.mu.Unlock()

	h.log.Info("hub.client.remove", "user_id", userID, "session_id", sessionID)
}

// Push fans an envelope out to every session of every listed user.
// Non-blocking: if a session queue is full or shutting down, that session is
// skipped rather than blocking the pipeline.
func (h *Hub) Push(userIDs []string, env v1.Envelope) {
	if h == nil || len(userIDs) == 0 {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, userID := range userIDs {
		for _, c := range h.users[userID] {
			if c == nil {
				continue
			}

			select {
			case <-c.Done():
				continue
			default:
			}

			select {
			case c.Send <- env:
			default:
				// Drop rather than block the whole fanout.
			}
		}
	}
}

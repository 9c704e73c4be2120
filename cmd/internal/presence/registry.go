// Package presence tracks which users currently hold open realtime
// connections. The registry is injectable: an in-memory implementation for a
// single process and a Redis-backed one for multi-node deployments.
package presence

import (
	"context"
	"time"
)

// UserSummary describes one online user for discovery queries
// ("available drivers", "online support").
type UserSummary struct {
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	LastPing time.Time `json:"last_ping"`
}

// Event is an online/offline transition.
type Event struct {
	UserID   string
	Online   bool
	LastSeen time.Time
}

// ChangeFunc consumes presence transitions. Invoked synchronously from the
// registry operation that caused the transition.
type ChangeFunc func(Event)

// Registry tracks connections per user. A user counts as online while at
// least one connection is registered, so a second device keeps the user
// online when the first disconnects.
type Registry interface {
	// Register marks the user online under connID and reports whether the
	// user was already online (duplicate login / multi-device).
	Register(ctx context.Context, userID, role, connID string) (wasOnline bool, err error)
	// Unregister drops the connection and reports the owning user and
	// whether this flipped them offline (no other connection remained).
	Unregister(ctx context.Context, connID string) (userID string, wentOffline bool, err error)
	// Heartbeat refreshes the connection's last-ping time.
	Heartbeat(ctx context.Context, connID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	// ListOnline returns online users, optionally filtered by role.
	ListOnline(ctx context.Context, role string) ([]UserSummary, error)
	// ReapStale demotes connections without a ping inside window and returns
	// the users flipped offline. Liveness only, not a correctness gate.
	ReapStale(ctx context.Context, window time.Duration) ([]string, error)
	// OnChange registers the transition consumer. Wire before serving traffic.
	OnChange(fn ChangeFunc)
	Close() error
}

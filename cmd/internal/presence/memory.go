package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memConn struct {
	userID   string
	role     string
	lastPing time.Time
}

// MemoryRegistry is the single-process Registry implementation.
type MemoryRegistry struct {
	mu       sync.Mutex
	conns    map[string]*memConn            // connID -> connection
	byUser   map[string]map[string]struct{} // userID -> set of connIDs
	roles    map[string]string              // userID -> role (last registered)
	lastSeen map[string]time.Time
	onChange ChangeFunc
}

// NewMemoryRegistry constructs an empty in-memory Registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		conns:    make(map[string]*memConn),
		byUser:   make(map[string]map[string]struct{}),
		roles:    make(map[string]string),
		lastSeen: make(map[string]time.Time),
	}
}

// Close is a no-op for the in-memory registry.
func (r *MemoryRegistry) Close() error { return nil }

// OnChange registers the transition consumer.
func (r *MemoryRegistry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Register marks the user online under connID.
func (r *MemoryRegistry) Register(ctx context.Context, userID, role, connID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := time.Now().UTC()

	r.mu.Lock()
	wasOnline := len(r.byUser[userID]) > 0
	r.conns[connID] = &memConn{userID: userID, role: role, lastPing: now}
	set := r.byUser[userID]
	if set == nil {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[connID] = struct{}{}
	r.roles[userID] = role
	r.lastSeen[userID] = now
	fn := r.onChange
	r.mu.Unlock()

	if !wasOnline && fn != nil {
		fn(Event{UserID: userID, Online: true, LastSeen: now})
	}
	return wasOnline, nil
}

// Unregister drops the connection; the user goes offline only when no other
// connection of theirs remains.
func (r *MemoryRegistry) Unregister(ctx context.Context, connID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	now := time.Now().UTC()

	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return "", false, nil
	}
	delete(r.conns, connID)
	set := r.byUser[c.userID]
	delete(set, connID)
	wentOffline := len(set) == 0
	if wentOffline {
		delete(r.byUser, c.userID)
	}
	r.lastSeen[c.userID] = now
	fn := r.onChange
	r.mu.Unlock()

	if wentOffline && fn != nil {
		fn(Event{UserID: c.userID, Online: false, LastSeen: now})
	}
	return c.userID, wentOffline, nil
}

// Heartbeat refreshes the connection's last-ping time.
func (r *MemoryRegistry) Heartbeat(ctx context.Context, connID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		c.lastPing = now
		r.lastSeen[c.userID] = now
	}
	return nil
}

// IsOnline reports whether the user has at least one registered connection.
func (r *MemoryRegistry) IsOnline(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID]) > 0, nil
}

// ListOnline returns online users, optionally filtered by role.
func (r *MemoryRegistry) ListOnline(ctx context.Context, role string) ([]UserSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]UserSummary, 0, len(r.byUser))
	for userID, set := range r.byUser {
		if len(set) == 0 {
			continue
		}
		if role != "" && r.roles[userID] != role {
			continue
		}
		var last time.Time
		for connID := range set {
			if c := r.conns[connID]; c != nil && c.lastPing.After(last) {
				last = c.lastPing
			}
		}
		out = append(out, UserSummary{UserID: userID, Role: r.roles[userID], LastPing: last})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ReapStale demotes connections without a ping inside window.
func (r *MemoryRegistry) ReapStale(ctx context.Context, window time.Duration) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	cut := now.Add(-window)

	r.mu.Lock()
	var stale []string
	for connID, c := range r.conns {
		if c.lastPing.Before(cut) {
			stale = append(stale, connID)
		}
	}
	var offline []string
	for _, connID := range stale {
		c := r.conns[connID]
		delete(r.conns, connID)
		set := r.byUser[c.userID]
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, c.userID)
			offline = append(offline, c.userID)
		}
		r.lastSeen[c.userID] = now
	}
	fn := r.onChange
	r.mu.Unlock()

	if fn != nil {
		for _, userID := range offline {
			fn(Event{UserID: userID, Online: false, LastSeen: now})
		}
	}
	sort.Strings(offline)
	return offline, nil
}

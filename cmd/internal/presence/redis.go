package presence

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "shuttlechat:presence:"

// RedisRegistry is a Registry backed by Redis, for deployments where several
// gateway nodes share presence state.
//
// Ownership model: the registry does NOT own the redis client; the caller
// closes it. Close() is therefore a no-op.
//
// OnChange callbacks fire for transitions observed by this node only; a
// connection registered on another node emits its events there.
type RedisRegistry struct {
	rdb      *redis.Client
	prefix   string
	connTTL  time.Duration
	onChange ChangeFunc
}

// RedisOption configures RedisRegistry behavior.
type RedisOption func(*RedisRegistry) error

// WithKeyPrefix overrides the key namespace (default "shuttlechat:presence:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisRegistry) error {
		if prefix == "" {
			return errors.New("presence: empty key prefix")
		}
		r.prefix = prefix
		return nil
	}
}

// WithConnTTL sets the per-connection key TTL (default 5m). Connection keys
// are refreshed on every heartbeat, so a crashed node's entries expire.
func WithConnTTL(ttl time.Duration) RedisOption {
	return func(r *RedisRegistry) error {
		if ttl <= 0 {
			return errors.New("presence: non-positive conn TTL")
		}
		r.connTTL = ttl
		return nil
	}
}

// NewRedisRegistry constructs a Redis-backed Registry.
func NewRedisRegistry(rdb *redis.Client, opts ...RedisOption) (*RedisRegistry, error) {
	r := &RedisRegistry{
		rdb:     rdb,
		prefix:  defaultKeyPrefix,
		connTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.rdb == nil {
		return nil, errors.New("presence: nil redis client")
	}
	return r, nil
}

// Close is a no-op because the redis client is owned by the caller.
func (r *RedisRegistry) Close() error { return nil }

// OnChange registers the transition consumer for this node.
func (r *RedisRegistry) OnChange(fn ChangeFunc) { r.onChange = fn }

func (r *RedisRegistry) connKey(connID string) string { return r.prefix + "conn:" + connID }
func (r *RedisRegistry) userKey(userID string) string { return r.prefix + "user:" + userID }
func (r *RedisRegistry) usersKey() string             { return r.prefix + "users" }
func (r *RedisRegistry) rolesKey() string             { return r.prefix + "roles" }
func (r *RedisRegistry) pingsKey() string             { return r.prefix + "pings" }

// Register marks the user online under connID.
func (r *RedisRegistry) Register(ctx context.Context, userID, role, connID string) (bool, error) {
	now := time.Now().UTC()

	before, err := r.rdb.SCard(ctx, r.userKey(userID)).Result()
	if err != nil {
		return false, err
	}
	wasOnline := before > 0

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.connKey(connID),
		"user_id", userID,
		"role", role,
		"last_ping", now.UnixMilli(),
	)
	pipe.Expire(ctx, r.connKey(connID), r.connTTL)
	pipe.SAdd(ctx, r.userKey(userID), connID)
	pipe.SAdd(ctx, r.usersKey(), userID)
	pipe.HSet(ctx, r.rolesKey(), userID, role)
	pipe.HSet(ctx, r.pingsKey(), userID, now.UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	if !wasOnline && r.onChange != nil {
		r.onChange(Event{UserID: userID, Online: true, LastSeen: now})
	}
	return wasOnline, nil
}

// Unregister drops the connection; the user goes offline only when no other
// connection of theirs remains.
func (r *RedisRegistry) Unregister(ctx context.Context, connID string) (string, bool, error) {
	now := time.Now().UTC()

	userID, err := r.rdb.HGet(ctx, r.connKey(connID), "user_id").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.connKey(connID))
	pipe.SRem(ctx, r.userKey(userID), connID)
	remaining := pipe.SCard(ctx, r.userKey(userID))
	pipe.HSet(ctx, r.pingsKey(), userID, now.UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return "", false, err
	}

	wentOffline := remaining.Val() == 0
	if wentOffline {
		if err := r.rdb.SRem(ctx, r.usersKey(), userID).Err(); err != nil {
			return "", false, err
		}
		if r.onChange != nil {
			r.onChange(Event{UserID: userID, Online: false, LastSeen: now})
		}
	}
	return userID, wentOffline, nil
}

// Heartbeat refreshes the connection's last-ping time and key TTL.
func (r *RedisRegistry) Heartbeat(ctx context.Context, connID string) error {
	now := time.Now().UTC()

	userID, err := r.rdb.HGet(ctx, r.connKey(connID), "user_id").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.connKey(connID), "last_ping", now.UnixMilli())
	pipe.Expire(ctx, r.connKey(connID), r.connTTL)
	pipe.HSet(ctx, r.pingsKey(), userID, now.UnixMilli())
	_, err = pipe.Exec(ctx)
	return err
}

// IsOnline reports whether the user has at least one live connection.
func (r *RedisRegistry) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.rdb.SCard(ctx, r.userKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListOnline returns online users, optionally filtered by role.
func (r *RedisRegistry) ListOnline(ctx context.Context, role string) ([]UserSummary, error) {
	userIDs, err := r.rdb.SMembers(ctx, r.usersKey()).Result()
	if err != nil {
		return nil, err
	}

	out := make([]UserSummary, 0, len(userIDs))
	for _, userID := range userIDs {
		userRole, err := r.rdb.HGet(ctx, r.rolesKey(), userID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if role != "" && userRole != role {
			continue
		}
		summary := UserSummary{UserID: userID, Role: userRole}
		if raw, err := r.rdb.HGet(ctx, r.pingsKey(), userID).Result(); err == nil {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				summary.LastPing = time.UnixMilli(ms).UTC()
			}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ReapStale demotes connections without a ping inside window. Connection
// keys also carry a TTL, so a crashed node's entries expire on their own;
// the reaper reconciles the user sets with those expirations.
func (r *RedisRegistry) ReapStale(ctx context.Context, window time.Duration) ([]string, error) {
	now := time.Now().UTC()
	cut := now.Add(-window).UnixMilli()

	userIDs, err := r.rdb.SMembers(ctx, r.usersKey()).Result()
	if err != nil {
		return nil, err
	}

	var offline []string
	for _, userID := range userIDs {
		connIDs, err := r.rdb.SMembers(ctx, r.userKey(userID)).Result()
		if err != nil {
			return nil, err
		}

		live := 0
		for _, connID := range connIDs {
			raw, err := r.rdb.HGet(ctx, r.connKey(connID), "last_ping").Result()
			if errors.Is(err, redis.Nil) {
				// Key expired: drop the dangling set member.
				if err := r.rdb.SRem(ctx, r.userKey(userID), connID).Err(); err != nil {
					return nil, err
				}
				continue
			}
			if err != nil {
				return nil, err
			}
			ms, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr != nil || ms < cut {
				pipe := r.rdb.TxPipeline()
				pipe.Del(ctx, r.connKey(connID))
				pipe.SRem(ctx, r.userKey(userID), connID)
				if _, err := pipe.Exec(ctx); err != nil {
					return nil, err
				}
				continue
			}
			live++
		}

		if live == 0 {
			if err := r.rdb.SRem(ctx, r.usersKey(), userID).Err(); err != nil {
				return nil, err
			}
			if err := r.rdb.HSet(ctx, r.pingsKey(), userID, now.UnixMilli()).Err(); err != nil {
				return nil, err
			}
			offline = append(offline, userID)
			if r.onChange != nil {
				r.onChange(Event{UserID: userID, Online: false, LastSeen: now})
			}
		}
	}
	sort.Strings(offline)
	return offline, nil
}

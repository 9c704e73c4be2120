package chat

import (
	"crypto/rand"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps message ids aligned
// with insertion order.
func NewID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// ParticipantKey canonicalizes a participant id set for exact-set matching.
// The key is the sorted, deduplicated ids joined with "+".
func ParticipantKey(ids []string) string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return strings.Join(out, "+")
}

package retrieval

import "sync"

// DefaultSessionRingSize caps how many recent memories a session carries
// into search seeding.
const DefaultSessionRingSize = 30

// SessionRing tracks the most recently touched memory ids per session so
// searches with include_session can seed them as candidates. Safe for
// concurrent use.
type SessionRing struct {
	mu   sync.Mutex
	size int
	ring map[string][]int64
}

// NewSessionRing builds a ring; non-positive size uses the default.
func NewSessionRing(size int) *SessionRing {
	if size <= 0 {
		size = DefaultSessionRingSize
	}
	return &SessionRing{size: size, ring: make(map[string][]int64)}
}

// Touch records an access, moving the id to the newest slot.
func (r *SessionRing) Touch(sessionID string, memoryID int64) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.ring[sessionID]
	for i, id := range ids {
		if id == memoryID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	ids = append(ids, memoryID)
	if len(ids) > r.size {
		ids = ids[len(ids)-r.size:]
	}
	r.ring[sessionID] = ids
}

// Recent returns the session's ids, newest first.
func (r *SessionRing) Recent(sessionID string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.ring[sessionID]
	out := make([]int64, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, ids[i])
	}
	return out
}

// Drop discards a session's ring.
func (r *SessionRing) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ring, sessionID)
}

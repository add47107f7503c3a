package chat

import (
	"log/slog"
	"sync"
)

// Hub owns the in-memory rooms and the broadcast path. Rooms are created
// lazily on first touch and never deleted; an empty room with empty history
// is a valid steady state.
type Hub struct {
	log     *slog.Logger
	history *HistoryStore
	metrics *Metrics

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub around an existing history store.
func NewHub(log *slog.Logger, history *HistoryStore, metrics *Metrics) *Hub {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		log:     log,
		history: history,
		metrics: metrics,
		rooms:   make(map[string]*Room),
	}
}

// GetOrCreateRoom returns a stable room handle, creating it if absent.
// Safe to call concurrently and repeatedly; the first caller wins and all
// callers observe the same handle.
func (h *Hub) GetOrCreateRoom(name string) *Room {
	h.mu.RLock()
	r, ok := h.rooms[name]
	h.mu.RUnlock()
	if ok {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[name]; ok {
		return r
	}
	r = newRoom(h.log, name, h.metrics)
	h.rooms[name] = r
	h.metrics.Rooms.Inc()
	return r
}

// Publish appends msg to the room's history and fans it out to every
// subscriber active at publish time, the sender included. Enqueueing is
// best-effort per subscriber and never blocks the publisher.
func (h *Hub) Publish(room string, msg Message) {
	h.history.Append(room, msg)
	h.metrics.Published.Inc()
	h.GetOrCreateRoom(room).broadcast(msg)
}

// RoomCount reports the number of rooms created so far.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Room is the membership + fan-out primitive for one named room.
//
// Concurrency guarantees:
//   - join/leave are safe under concurrent broadcast.
//   - broadcast iterates a point-in-time snapshot, so delivery to a slow
//     subscriber never holds the membership lock.
//   - leave is idempotent; broadcasting to an already-removed session only
//     wastes a skipped enqueue.
type Room struct {
	log     *slog.Logger
	metrics *Metrics

	// Name is the case-sensitive room identifier.
	Name string

	mu      sync.RWMutex
	members map[string]*Session
}

func newRoom(log *slog.Logger, name string, metrics *Metrics) *Room {
	return &Room{
		log:     log,
		metrics: metrics,
		Name:    name,
		members: make(map[string]*Session),
	}
}

func (r *Room) join(s *Session) {
	if s == nil || s.ID == "" {
		return
	}

	r.mu.Lock()
	r.members[s.ID] = s
	r.mu.Unlock()

	r.log.Info("room.member.join", "room", r.Name, "session_id", s.ID, "user", s.Identity)
}

func (r *Room) leave(sessionID string) {
	if sessionID == "" {
		return
	}

	r.mu.Lock()
	_, ok := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if ok {
		r.log.Info("room.member.leave", "room", r.Name, "session_id", sessionID)
	}
}

// Subscribers returns a point-in-time copy of the active session set.
func (r *Room) Subscribers() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.members))
	for _, s := range r.members {
		out = append(out, s)
	}
	return out
}

// MemberCount reports the current subscriber count.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) broadcast(msg Message) {
	for _, s := range r.Subscribers() {
		s.deliver(msg)
	}
}

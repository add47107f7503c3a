package chat

import "sync"

const (
	// DefaultHistoryCap bounds the per-room log; the oldest entries are
	// evicted first once the cap is exceeded.
	DefaultHistoryCap = 500

	// DefaultHistoryLimit is used by Read when the caller passes limit 0.
	DefaultHistoryLimit = 20
)

// HistoryStore keeps a bounded, ordered log of past messages per room.
//
// An unknown room behaves as an empty log: Append auto-initializes it and
// Read returns nil. Reads snapshot the tail under the lock and never hold it
// during delivery.
type HistoryStore struct {
	mu    sync.Mutex
	cap   int
	rooms map[string][]Message
}

// NewHistoryStore constructs a store with the given per-room cap.
// Non-positive caps fall back to DefaultHistoryCap.
func NewHistoryStore(cap int) *HistoryStore {
	if cap <= 0 {
		cap = DefaultHistoryCap
	}
	return &HistoryStore{
		cap:   cap,
		rooms: make(map[string][]Message),
	}
}

// Append adds msg to the tail of the room's log, evicting from the head
// when the cap is exceeded.
func (s *HistoryStore) Append(room string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := append(s.rooms[room], msg)
	if len(log) > s.cap {
		// Reallocate instead of re-slicing so the evicted head does not
		// pin the old backing array.
		trimmed := make([]Message, s.cap)
		copy(trimmed, log[len(log)-s.cap:])
		log = trimmed
	}
	s.rooms[room] = log
}

// Read returns a copy of the last limit messages in chronological order.
// A zero limit means DefaultHistoryLimit; negative limits are clamped to 1.
func (s *HistoryStore) Read(room string, limit int) []Message {
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	if limit < 1 {
		limit = 1
	}

	s.mu.Lock()
	log := s.rooms[room]
	if len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := append([]Message(nil), log...)
	s.mu.Unlock()

	return out
}

// Len reports the current log length for a room.
func (s *HistoryStore) Len(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room])
}

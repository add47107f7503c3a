package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrSessionClosed is returned by Submit and Next once a session has been
// torn down and its outbound queue fully drained.
var ErrSessionClosed = errors.New("chat: session closed")

// Session represents one live duplex subscriber bound to a single room for
// its whole lifetime.
//
// Design notes:
//   - out is intentionally never closed, so concurrent broadcasters can
//     always attempt a non-blocking enqueue without panicking.
//   - done signals teardown; deliver drops silently once it is closed.
//   - Close is idempotent.
type Session struct {
	// ID is the server-assigned session identifier (ULID), distinct from
	// the user-chosen Identity.
	ID       string
	Identity string
	Room     string

	log     *slog.Logger
	hub     *Hub
	room    *Room
	metrics *Metrics

	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(log *slog.Logger, hub *Hub, room *Room, id, identity string, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	return &Session{
		ID:       id,
		Identity: identity,
		Room:     room.Name,
		log:      log,
		hub:      hub,
		room:     room,
		metrics:  hub.metrics,
		out:      make(chan Message, queueSize),
		done:     make(chan struct{}),
	}
}

// Done returns a channel closed when the session is shutting down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Submit normalizes text and publishes it to the session's room. Whitespace
// is trimmed; a frame that becomes empty is dropped without error.
func (s *Session) Submit(text string) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.hub.Publish(s.Room, newMessage(s.Identity, s.Room, text, time.Now().UTC()))
	return nil
}

// Next blocks until the next outbound message, the session closing, or ctx
// cancellation. After Close it keeps yielding messages queued before
// teardown and reports ErrSessionClosed once the queue is empty.
func (s *Session) Next(ctx context.Context) (Message, error) {
	select {
	case msg := <-s.out:
		return msg, nil
	case <-s.done:
		// Drain what was queued just before closure.
		select {
		case msg := <-s.out:
			return msg, nil
		default:
			return Message{}, ErrSessionClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close tears the session down: it deregisters from the room, stops further
// delivery, and publishes the system "left" notice to the remaining
// subscribers. Safe to call multiple times and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		// Remove from membership before signaling done so a broadcaster
		// holding an older snapshot only hits the skip path.
		s.room.leave(s.ID)
		close(s.done)
		s.metrics.Sessions.Dec()

		s.hub.Publish(s.Room, leftNotice(s.Identity, s.Room, time.Now().UTC()))
		s.log.Info("session.close", "session_id", s.ID, "user", s.Identity, "room", s.Room)
	})
}

// deliver enqueues msg best-effort. It never blocks: closed sessions and
// full queues drop the message, and only the metrics record the loss.
func (s *Session) deliver(msg Message) {
	select {
	case <-s.done:
		s.metrics.Dropped.WithLabelValues(dropReasonInactive).Inc()
		return
	default:
	}

	select {
	case s.out <- msg:
		s.metrics.Delivered.Inc()
	default:
		// Drop-newest: a slow consumer must never stall the room.
		s.metrics.Dropped.WithLabelValues(dropReasonQueueFull).Inc()
	}
}

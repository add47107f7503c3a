package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultSendQueueSize bounds a session's outbound queue when the config
// leaves it unset.
const DefaultSendQueueSize = 256

// ErrInvalidHandshake is returned by OpenSession when identity or room is
// empty after trimming. It maps to a declined join on the wire.
var ErrInvalidHandshake = errors.New("chat: user y room son obligatorios")

// Config is the core's tuning surface.
type Config struct {
	// HistoryCap bounds each room's log (default 500).
	HistoryCap int
	// HistoryLimit is the Read default when a query passes limit 0
	// (default 20).
	HistoryLimit int
	// SendQueueSize bounds each session's outbound queue (default 256).
	SendQueueSize int
}

func (c Config) withDefaults() Config {
	if c.HistoryCap <= 0 {
		c.HistoryCap = DefaultHistoryCap
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	return c
}

// Service is the core facade handed to every transport collaborator. It is
// constructed once at process start and passed by reference, so tests can
// instantiate independent registries in isolation; there is no package-level
// state.
type Service struct {
	log     *slog.Logger
	cfg     Config
	history *HistoryStore
	hub     *Hub
	metrics *Metrics
}

// NewService constructs a fully wired core. reg may be nil, in which case
// metrics are collected but not registered anywhere.
func NewService(log *slog.Logger, cfg Config, reg prometheus.Registerer) *Service {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg = cfg.withDefaults()

	metrics := NewMetrics(reg)
	history := NewHistoryStore(cfg.HistoryCap)

	return &Service{
		log:     log,
		cfg:     cfg,
		history: history,
		hub:     NewHub(log, history, metrics),
		metrics: metrics,
	}
}

// Join validates identity and room and ensures the room exists. It declines
// (accepted=false) iff identity or room is empty after trimming; repeated
// joins to the same room never error.
func (s *Service) Join(identity, room string) (accepted bool, detail string) {
	identity = strings.TrimSpace(identity)
	room = strings.TrimSpace(room)
	if identity == "" || room == "" {
		return false, "user y room son obligatorios"
	}

	s.hub.GetOrCreateRoom(room)
	return true, fmt.Sprintf("Usuario %s unido a %s", identity, room)
}

// History returns the last limit messages of a room in chronological order.
// It never errors: an unknown room yields an empty slice, limit 0 means the
// configured default, and negative limits are clamped to 1.
func (s *Service) History(room string, limit int) []Message {
	if limit == 0 {
		limit = s.cfg.HistoryLimit
	}
	return s.history.Read(strings.TrimSpace(room), limit)
}

// OpenSession validates the handshake, registers a session in the room's
// subscriber set, and publishes the system "joined" notice. The caller owns
// the returned session and must Close it on disconnect in any direction.
func (s *Service) OpenSession(identity, room string) (*Session, error) {
	identity = strings.TrimSpace(identity)
	room = strings.TrimSpace(room)
	if identity == "" || room == "" {
		return nil, ErrInvalidHandshake
	}

	id, err := NewSessionID(time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("chat: session id: %w", err)
	}

	r := s.hub.GetOrCreateRoom(room)
	sess := newSession(s.log, s.hub, r, id, identity, s.cfg.SendQueueSize)
	r.join(sess)
	s.metrics.Sessions.Inc()

	// The joined notice reaches every subscriber of the room, the new
	// session included.
	s.hub.Publish(room, joinedNotice(identity, room, time.Now().UTC()))

	return sess, nil
}

// Publish injects a message into a room on behalf of a transport that is
// not itself a subscriber. Text is normalized like Submit.
func (s *Service) Publish(sender, room, text string) {
	sender = strings.TrimSpace(sender)
	room = strings.TrimSpace(room)
	text = strings.TrimSpace(text)
	if sender == "" || room == "" || text == "" {
		return
	}
	s.hub.Publish(room, newMessage(sender, room, text, time.Now().UTC()))
}

// Hub exposes the registry for introspection (room/member counts).
func (s *Service) Hub() *Hub { return s.hub }

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "minichat/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/samber/lo"
)

const (
	wsSubprotocolV1 = "minichat.v1"

	wsOutboxSize = 64

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute

	// wsDefaultDrainGrace bounds how long teardown waits for the outbound
	// pump to flush messages queued just before closure.
	wsDefaultDrainGrace = 150 * time.Millisecond

	// wsDefaultHistoryLimit is how many recent messages the gateway pushes
	// right after the handshake.
	wsDefaultHistoryLimit = 50

	wsDefaultHeartbeatInterval = 25 * time.Second
	wsDefaultHeartbeatTimeout  = 5 * time.Second
	wsMaxPingFailures          = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for minichat. It drives one duplex
// session per connection: it validates the init handshake, registers the
// session with the core, pushes recent history, and then pumps inbound
// frames into the room and the session's outbound queue back to the peer.
type WSGateway struct {
	log *slog.Logger
	svc *Service

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks: Accept authorizes
	// same-host origins by default, cross-origin needs OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	drainGrace      time.Duration

	historyLimit int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults. A nil service
// gets an in-memory core so dev setups keep working.
func NewWSGateway(log *slog.Logger, svc *Service) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if svc == nil {
		svc = NewService(log, Config{}, nil)
	}

	g := &WSGateway{log: log, svc: svc}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is
	// not an origin policy.
	g.devInsecure = envBoolWS("CHAT_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("CHAT_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("CHAT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("CHAT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("CHAT_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.drainGrace = envDurationWS("CHAT_WS_DRAIN_GRACE", wsDefaultDrainGrace)

	g.historyLimit = envIntWS("CHAT_WS_HISTORY_LIMIT", wsDefaultHistoryLimit)

	g.heartbeatEvery = envDurationWS("CHAT_WS_HEARTBEAT_INTERVAL", wsDefaultHeartbeatInterval)
	g.heartbeatTimeout = envDurationWS("CHAT_WS_HEARTBEAT_TIMEOUT", wsDefaultHeartbeatTimeout)

	g.rateEvents = envIntWS("CHAT_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("CHAT_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// duplex loop until the connection ends in either direction.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := g.awaitHandshake(ctx, conn)
	if err != nil {
		g.log.Info("ws.handshake.fail", "err", err, "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	var closeOnce sync.Once

	// shutdown is idempotent. Closing the session first guarantees the core
	// stops delivering and publishes the "left" notice exactly once.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	outbox := make(chan v1.Envelope, wsOutboxSize)

	// Outbound pump: session queue -> outbox. Ends once the session is
	// closed and drained, or the connection context is gone.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)

		for {
			msg, err := sess.Next(ctx)
			if err != nil {
				return
			}

			env, err := g.newEnvelope(v1.TypeMessage, v1.MessagePayload{
				Sender:    msg.Sender,
				Room:      msg.Room,
				Text:      msg.Text,
				Timestamp: msg.Timestamp,
			})
			if err != nil {
				g.log.Error("ws.envelope.fail", "session_id", sess.ID, "err", err)
				continue
			}

			select {
			case outbox <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case env := <-outbox:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sess.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			case <-pumpDone:
				// Flush what is already queued, then stop.
				for {
					select {
					case env := <-outbox:
						if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
							shutdown(websocket.StatusAbnormalClosure, "write failed")
							return
						}
					default:
						shutdown(websocket.StatusNormalClosure, "session closed")
						return
					}
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sess.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(outbox, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sess.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(outbox, "rate_limited", "too many frames")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(outbox, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeMessage:
			var p v1.MessageSendPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				g.trySendError(outbox, "bad_payload", "invalid message payload")
				continue readLoop
			}
			if len([]rune(p.Text)) > maxMessageChars {
				g.trySendError(outbox, "too_long", fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
				continue readLoop
			}
			if err := sess.Submit(p.Text); err != nil {
				shutdown(websocket.StatusNormalClosure, "session closed")
				break readLoop
			}

		case v1.TypePing:
			pong, err := g.newEnvelope(v1.TypePong, struct{}{})
			if err == nil {
				g.enqueue(outbox, pong)
			}

		case v1.TypeInit:
			g.trySendError(outbox, "already_initialized", "session already established")

		default:
			g.trySendError(outbox, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-pumpDone:
	case <-time.After(g.drainGrace):
	}
	select {
	case <-heartbeatDone:
	case <-time.After(g.drainGrace):
	}
}

// awaitHandshake reads the very first frame, which must be a valid init
// envelope with non-empty user and room. On success it replies with the
// joined ack and the recent room history, and registers the session.
//
// The history snapshot is taken before OpenSession so the caller's own
// "joined" notice arrives exactly once, via the live stream.
func (g *WSGateway) awaitHandshake(ctx context.Context, conn *websocket.Conn) (*Session, error) {
	readCtx, cancel := context.WithTimeout(ctx, g.readIdleTimeout)
	env, err := readEnvelope(readCtx, conn)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("read init: %w", err)
	}

	if err := env.Validate(); err != nil {
		g.writeErrorDirect(ctx, conn, "bad_envelope", err.Error())
		return nil, err
	}
	if env.Type != v1.TypeInit {
		g.writeErrorDirect(ctx, conn, "init_required", "first frame must be init")
		return nil, fmt.Errorf("first frame type: %s", env.Type)
	}

	var p v1.InitPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.writeErrorDirect(ctx, conn, "bad_payload", "invalid init payload")
		return nil, fmt.Errorf("init payload: %w", err)
	}

	accepted, detail := g.svc.Join(p.User, p.Room)
	if !accepted {
		g.writeErrorDirect(ctx, conn, "join_rejected", detail)
		return nil, ErrInvalidHandshake
	}

	room := strings.TrimSpace(p.Room)
	history := g.svc.History(room, g.historyLimit)

	sess, err := g.svc.OpenSession(p.User, room)
	if err != nil {
		g.writeErrorDirect(ctx, conn, "join_rejected", err.Error())
		return nil, err
	}

	// The writer goroutine is not running yet, so these two direct writes
	// cannot race with it.
	joined, err := g.newEnvelope(v1.TypeJoined, v1.JoinedPayload{SessionID: sess.ID, Detail: detail})
	if err == nil {
		err = writeEnvelope(ctx, conn, joined, g.writeTimeout)
	}
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("write joined: %w", err)
	}

	hist, err := g.newEnvelope(v1.TypeHistory, v1.HistoryPayload{
		Room: room,
		Messages: lo.Map(history, func(m Message, _ int) v1.MessagePayload {
			return v1.MessagePayload{
				Sender:    m.Sender,
				Room:      m.Room,
				Text:      m.Text,
				Timestamp: m.Timestamp,
			}
		}),
	})
	if err == nil {
		err = writeEnvelope(ctx, conn, hist, g.writeTimeout)
	}
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("write history: %w", err)
	}

	g.log.Info("ws.session.open", "session_id", sess.ID, "user", sess.Identity, "room", sess.Room)
	return sess, nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(outbox chan<- v1.Envelope, code, msg string) {
	env, err := g.newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	g.enqueue(outbox, env)
}

func (g *WSGateway) enqueue(outbox chan<- v1.Envelope, env v1.Envelope) bool {
	select {
	case outbox <- env:
		return true
	default:
		return false
	}
}

// writeErrorDirect is only safe before the writer goroutine starts.
func (g *WSGateway) writeErrorDirect(ctx context.Context, conn *websocket.Conn, code, msg string) {
	env, err := g.newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = writeEnvelope(ctx, conn, env, g.writeTimeout)
}

// ---- envelope IO ----

func (g *WSGateway) newEnvelope(typ string, payload any) (v1.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}

	now := time.Now().UTC()
	id, err := NewEnvelopeID(now)
	if err != nil {
		return v1.Envelope{}, err
	}

	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: b,
	}, nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "bad json: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Only hosts from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

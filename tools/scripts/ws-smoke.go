// Package main provides a CI-friendly WebSocket smoke test for the minichat
// gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - init -> joined + history session establishment
//   - joined-notice fanout to other room members
//   - message send -> echo to sender and fanout to peers
//   - ping -> pong
//   - disconnect -> left-notice fanout
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "minichat/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "minichat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	user      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		room    = flag.String("room", "smoke-room", "Room to join")
		text    = flag.String("text", "hola desde el smoke test", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", "smoke-alice", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	mustJoin(root, a, *room, *timeout)

	b := mustConnect(root, "B", "smoke-bob", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustJoin(root, b, *room, *timeout)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s room=%q origin=%q\n", a.sessionID, b.sessionID, *room, *origin)
	}

	// A must see B arrive.
	mustAssertNotice(root, a, b.user+" se ha unido a la sala.", *timeout)

	// A sends; the message reaches both subscribers, A included.
	mustSend(root, a, *text, *timeout)
	mustAssertMessage(root, a, a.user, *room, *text, *timeout)
	mustAssertMessage(root, b, a.user, *room, *text, *timeout)

	mustPingPong(root, a, *timeout)

	// B leaves; A must see the left notice.
	closeWS(b.conn)
	mustAssertNotice(root, a, b.user+" salió de la sala.", *timeout)

	fmt.Printf("OK: A=%s B=%s room=%s\n", a.sessionID, b.sessionID, *room)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, user, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		user:  user,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustJoin performs the init handshake and consumes the joined ack, the
// history push, and the caller's own live joined notice.
func mustJoin(parent context.Context, c *smokeClient, room string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeInit,
		ID:      fmt.Sprintf("%s-init", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.InitPayload{User: c.user, Room: room}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeJoined, stepTimeout)

	var joined v1.JoinedPayload
	if err := json.Unmarshal(ack.Payload, &joined); err != nil {
		fatalf("unmarshal joined payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(joined.SessionID) == "" {
		fatalf("joined missing session_id (%s)", c.name)
	}
	c.sessionID = joined.SessionID

	hist := c.mustReadUntilType(parent, v1.TypeHistory, stepTimeout)

	var hp v1.HistoryPayload
	if err := json.Unmarshal(hist.Payload, &hp); err != nil {
		fatalf("unmarshal history payload (%s): %v", c.name, err)
	}
	if hp.Room != room {
		fatalf("history room mismatch (%s): got=%q want=%q", c.name, hp.Room, room)
	}

	mustAssertNotice(parent, c, c.user+" se ha unido a la sala.", stepTimeout)
}

func mustSend(parent context.Context, c *smokeClient, text string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessage,
		ID:      fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{Text: text}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertMessage(parent context.Context, c *smokeClient, sender, room, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message payload (%s): %v", c.name, err)
	}
	if p.Sender != sender {
		fatalf("message sender mismatch (%s): got=%q want=%q", c.name, p.Sender, sender)
	}
	if p.Room != room {
		fatalf("message room mismatch (%s): got=%q want=%q", c.name, p.Room, room)
	}
	if p.Text != text {
		fatalf("message text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
	if p.Timestamp <= 0 {
		fatalf("message timestamp missing (%s)", c.name)
	}
}

func mustAssertNotice(parent context.Context, c *smokeClient, wantText string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal notice payload (%s): %v", c.name, err)
	}
	if p.Sender != "system" {
		fatalf("notice sender mismatch (%s): got=%q want=%q", c.name, p.Sender, "system")
	}
	if p.Text != wantText {
		fatalf("notice text mismatch (%s): got=%q want=%q", c.name, p.Text, wantText)
	}
}

func mustPingPong(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypePing,
		ID:      fmt.Sprintf("%s-ping", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(struct{}{}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	c.mustReadUntilType(parent, v1.TypePong, stepTimeout)
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

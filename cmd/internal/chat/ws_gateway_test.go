package chat

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "minichat/shared/contracts/chat/v1"
)

// newGatewayServer spins up a gateway over httptest. Tests using it cannot
// run in parallel because configuration comes from the environment.
func newGatewayServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()

	t.Setenv("CHAT_WS_ORIGIN_REQUIRED", "false")

	svc := NewService(testLogger(), Config{}, nil)
	srv := httptest.NewServer(NewWSGateway(testLogger(), svc))
	t.Cleanup(srv.Close)
	return srv, svc
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	b, err := json.Marshal(payload)
	require.NoError(t, err)
	env := v1.Envelope{V: v1.Version, Type: typ, Payload: b}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func recvFrame(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var env v1.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func recvMessage(t *testing.T, conn *websocket.Conn) v1.MessagePayload {
	t.Helper()

	env := recvFrame(t, conn)
	require.Equal(t, v1.TypeMessage, env.Type, "unexpected frame: %s", env.Type)
	var p v1.MessagePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

// join performs the full handshake and consumes the joined and history
// replies plus the caller's own live joined notice.
func join(t *testing.T, conn *websocket.Conn, user, room string) v1.JoinedPayload {
	t.Helper()

	sendFrame(t, conn, v1.TypeInit, v1.InitPayload{User: user, Room: room})

	env := recvFrame(t, conn)
	require.Equal(t, v1.TypeJoined, env.Type)
	var joined v1.JoinedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &joined))

	env = recvFrame(t, conn)
	require.Equal(t, v1.TypeHistory, env.Type)

	notice := recvMessage(t, conn)
	require.Equal(t, SystemSender, notice.Sender)
	require.Equal(t, user+" se ha unido a la sala.", notice.Text)

	return joined
}

func TestWSGatewayRejectsBlankHandshake(t *testing.T) {
	srv, _ := newGatewayServer(t)
	conn := dialWS(t, srv)

	sendFrame(t, conn, v1.TypeInit, v1.InitPayload{User: "", Room: "general"})

	env := recvFrame(t, conn)
	require.Equal(t, v1.TypeError, env.Type)
	var p v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "join_rejected", p.Code)
	assert.Equal(t, "user y room son obligatorios", p.Message)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err, "connection should be closed after a rejected handshake")
}

func TestWSGatewayRequiresInitFirst(t *testing.T) {
	srv, _ := newGatewayServer(t)
	conn := dialWS(t, srv)

	sendFrame(t, conn, v1.TypeMessage, v1.MessageSendPayload{Text: "hola"})

	env := recvFrame(t, conn)
	require.Equal(t, v1.TypeError, env.Type)
	var p v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "init_required", p.Code)
}

func TestWSGatewayHandshakeAndFanout(t *testing.T) {
	srv, _ := newGatewayServer(t)

	alice := dialWS(t, srv)
	joined := join(t, alice, "alice", "general")
	assert.NotEmpty(t, joined.SessionID)
	assert.Equal(t, "Usuario alice unido a general", joined.Detail)

	bob := dialWS(t, srv)
	join(t, bob, "bob", "general")

	// Alice sees bob arrive.
	notice := recvMessage(t, alice)
	assert.Equal(t, SystemSender, notice.Sender)
	assert.Equal(t, "bob se ha unido a la sala.", notice.Text)

	// A message from alice reaches both subscribers, alice included.
	sendFrame(t, alice, v1.TypeMessage, v1.MessageSendPayload{Text: "  hola a todos  "})

	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := recvMessage(t, conn)
		assert.Equal(t, "alice", msg.Sender)
		assert.Equal(t, "general", msg.Room)
		assert.Equal(t, "hola a todos", msg.Text)
		assert.NotZero(t, msg.Timestamp)
	}
}

func TestWSGatewayPushesHistoryOnJoin(t *testing.T) {
	srv, svc := newGatewayServer(t)

	svc.Publish("alice", "general", "primer mensaje")
	svc.Publish("alice", "general", "segundo mensaje")

	conn := dialWS(t, srv)
	sendFrame(t, conn, v1.TypeInit, v1.InitPayload{User: "bob", Room: "general"})

	env := recvFrame(t, conn)
	require.Equal(t, v1.TypeJoined, env.Type)

	env = recvFrame(t, conn)
	require.Equal(t, v1.TypeHistory, env.Type)
	var hist v1.HistoryPayload
	require.NoError(t, json.Unmarshal(env.Payload, &hist))
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "primer mensaje", hist.Messages[0].Text)
	assert.Equal(t, "segundo mensaje", hist.Messages[1].Text)

	// Bob's own joined notice arrives live, not in the snapshot.
	notice := recvMessage(t, conn)
	assert.Equal(t, "bob se ha unido a la sala.", notice.Text)
}

func TestWSGatewayPingPong(t *testing.T) {
	srv, _ := newGatewayServer(t)
	conn := dialWS(t, srv)
	join(t, conn, "alice", "general")

	sendFrame(t, conn, v1.TypePing, struct{}{})

	env := recvFrame(t, conn)
	assert.Equal(t, v1.TypePong, env.Type)
	assert.Equal(t, v1.Version, env.V)
	assert.NotEmpty(t, env.ID)
}

func TestWSGatewayDisconnectNotifiesRoom(t *testing.T) {
	srv, _ := newGatewayServer(t)

	alice := dialWS(t, srv)
	join(t, alice, "alice", "general")

	bob := dialWS(t, srv)
	join(t, bob, "bob", "general")
	recvMessage(t, alice) // bob's joined notice

	require.NoError(t, bob.Close(websocket.StatusNormalClosure, "adios"))

	notice := recvMessage(t, alice)
	assert.Equal(t, SystemSender, notice.Sender)
	assert.Equal(t, "bob salió de la sala.", notice.Text)
}

func TestWSGatewayRejectsMalformedFrames(t *testing.T) {
	srv, _ := newGatewayServer(t)
	conn := dialWS(t, srv)
	join(t, conn, "alice", "general")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	env := recvFrame(t, conn)
	require.Equal(t, v1.TypeError, env.Type)
	var p v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "bad_json", p.Code)

	// The session survives a malformed frame.
	sendFrame(t, conn, v1.TypeMessage, v1.MessageSendPayload{Text: "sigo aqui"})
	msg := recvMessage(t, conn)
	assert.Equal(t, "sigo aqui", msg.Text)
}

func TestWSGatewayRejectsUnknownEnvelope(t *testing.T) {
	srv, _ := newGatewayServer(t)
	conn := dialWS(t, srv)
	join(t, conn, "alice", "general")

	sendFrame(t, conn, "shrug", struct{}{})

	env := recvFrame(t, conn)
	require.Equal(t, v1.TypeError, env.Type)
	var p v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "bad_envelope", p.Code)
}

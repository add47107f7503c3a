// Package chat implements the minichat core: the room/subscriber registry,
// the per-room bounded history, the broadcast fan-out, and the duplex
// session lifecycle. The WebSocket gateway in this package is one transport
// over that core; any other duplex transport can drive it the same way.
package chat

import (
	"fmt"
	"time"
)

// SystemSender identifies synthesized join/leave notices.
const SystemSender = "system"

// Message is an immutable chat record. Timestamp is server-assigned
// milliseconds since the Unix epoch; it is not guaranteed monotonic across
// concurrent senders of the same room.
type Message struct {
	Sender    string
	Room      string
	Text      string
	Timestamp int64
}

func newMessage(sender, room, text string, now time.Time) Message {
	return Message{
		Sender:    sender,
		Room:      room,
		Text:      text,
		Timestamp: now.UnixMilli(),
	}
}

func joinedNotice(user, room string, now time.Time) Message {
	return newMessage(SystemSender, room, fmt.Sprintf("%s se ha unido a la sala.", user), now)
}

func leftNotice(user, room string, now time.Time) Message {
	return newMessage(SystemSender, room, fmt.Sprintf("%s salió de la sala.", user), now)
}

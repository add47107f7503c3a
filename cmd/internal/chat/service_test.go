package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(testLogger(), Config{}, nil)
}

func TestServiceJoinValidation(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	tests := []struct {
		name       string
		user, room string
		accepted   bool
		detail     string
	}{
		{"valid", "alice", "general", true, "Usuario alice unido a general"},
		{"empty user", "", "general", false, "user y room son obligatorios"},
		{"empty room", "alice", "", false, "user y room son obligatorios"},
		{"whitespace only user", "   ", "general", false, "user y room son obligatorios"},
		{"whitespace only room", "alice", "\t\n", false, "user y room son obligatorios"},
		{"trimmed identity", "  bob  ", "general", true, "Usuario bob unido a general"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accepted, detail := svc.Join(tt.user, tt.room)
			assert.Equal(t, tt.accepted, accepted)
			assert.Equal(t, tt.detail, detail)
		})
	}
}

func TestServiceJoinIsRepeatable(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	for range 3 {
		accepted, _ := svc.Join("alice", "general")
		require.True(t, accepted)
	}
	assert.Equal(t, 1, svc.Hub().RoomCount())
}

func TestServiceOpenSessionRejectsBlankHandshake(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	_, err := svc.OpenSession("  ", "general")
	require.ErrorIs(t, err, ErrInvalidHandshake)

	_, err = svc.OpenSession("alice", "")
	require.ErrorIs(t, err, ErrInvalidHandshake)
}

func TestServiceOpenSessionPublishesJoinedNotice(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	watcher, err := svc.OpenSession("alice", "general")
	require.NoError(t, err)
	defer watcher.Close()
	drainNotices(t, watcher, 1) // alice's own joined notice

	joiner, err := svc.OpenSession("bob", "general")
	require.NoError(t, err)
	defer joiner.Close()

	msg := mustNext(t, watcher)
	assert.Equal(t, SystemSender, msg.Sender)
	assert.Equal(t, "general", msg.Room)
	assert.Equal(t, "bob se ha unido a la sala.", msg.Text)
	assert.NotZero(t, msg.Timestamp)

	// The joiner receives its own notice too.
	own := mustNext(t, joiner)
	assert.Equal(t, "bob se ha unido a la sala.", own.Text)
}

func TestServiceJoinedNoticeIsRoomScoped(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	bystander, err := svc.OpenSession("carol", "ops")
	require.NoError(t, err)
	defer bystander.Close()
	drainNotices(t, bystander, 1)

	other, err := svc.OpenSession("dave", "general")
	require.NoError(t, err)
	defer other.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = bystander.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "notice leaked across rooms")
}

func TestServiceSubmitEchoesToSender(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	sender, err := svc.OpenSession("alice", "general")
	require.NoError(t, err)
	defer sender.Close()
	drainNotices(t, sender, 1)

	peer, err := svc.OpenSession("bob", "general")
	require.NoError(t, err)
	defer peer.Close()
	drainNotices(t, sender, 1)
	drainNotices(t, peer, 1)

	require.NoError(t, sender.Submit("  hola a todos  "))

	for _, sess := range []*Session{sender, peer} {
		msg := mustNext(t, sess)
		assert.Equal(t, "alice", msg.Sender)
		assert.Equal(t, "hola a todos", msg.Text, "text should arrive trimmed")
	}
}

func TestServiceWhitespaceOnlySubmitIsDropped(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	sess, err := svc.OpenSession("alice", "general")
	require.NoError(t, err)
	defer sess.Close()
	drainNotices(t, sess, 1)

	require.NoError(t, sess.Submit("   \t\n  "))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = sess.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, svc.History("general", 0), "blank frame must not reach history")
}

func TestServiceCloseRemovesSubscriberAndNotifies(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	stayer, err := svc.OpenSession("alice", "general")
	require.NoError(t, err)
	defer stayer.Close()
	drainNotices(t, stayer, 1)

	leaver, err := svc.OpenSession("bob", "general")
	require.NoError(t, err)
	drainNotices(t, stayer, 1)

	room := svc.Hub().GetOrCreateRoom("general")
	require.Equal(t, 2, room.MemberCount())

	leaver.Close()

	msg := mustNext(t, stayer)
	assert.Equal(t, SystemSender, msg.Sender)
	assert.Equal(t, "bob salió de la sala.", msg.Text)
	assert.Equal(t, 1, room.MemberCount())
}

func TestServicePublishSkipsBlankInput(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	svc.Publish("alice", "general", "   ")
	svc.Publish("", "general", "hola")
	svc.Publish("alice", "", "hola")

	assert.Empty(t, svc.History("general", 0))
}

func TestServiceHistoryDefaultsAndUnknownRoom(t *testing.T) {
	t.Parallel()

	svc := NewService(testLogger(), Config{HistoryLimit: 5}, nil)

	for range 9 {
		svc.Publish("alice", "general", "hola")
	}

	assert.Len(t, svc.History("general", 0), 5, "limit 0 uses the configured default")
	assert.Len(t, svc.History("general", 100), 9)
	assert.Empty(t, svc.History("nowhere", 0))
}

func mustNext(t *testing.T, s *Session) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := s.Next(ctx)
	require.NoError(t, err)
	return msg
}

func drainNotices(t *testing.T, s *Session, n int) {
	t.Helper()

	for range n {
		msg := mustNext(t, s)
		if msg.Sender != SystemSender {
			t.Fatalf("expected a system notice, got %q from %q", msg.Text, msg.Sender)
		}
	}
}

func TestServiceSubmitAfterServiceCloseReportsClosed(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	sess, err := svc.OpenSession("alice", "general")
	require.NoError(t, err)
	sess.Close()

	require.True(t, errors.Is(sess.Submit("hola"), ErrSessionClosed))
}

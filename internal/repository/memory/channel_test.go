package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-callcore/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newSession(id string) domain.CallSession {
	return domain.NewCallSession(id, "alice", "bob", domain.CallKindVoice, t0)
}

func TestChannel_CreateAndGet(t *testing.T) {
	ch := NewChannel()
	ctx := context.Background()

	id, err := ch.CreateSession(ctx, newSession(""))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := ch.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCalling, got.Status)
	assert.Equal(t, "bob", got.TargetID)

	_, err = ch.CreateSession(ctx, newSession(id))
	assert.Error(t, err)

	_, err = ch.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestChannel_UpdateStatusRefusesTerminal(t *testing.T) {
	ch := NewChannel()
	ctx := context.Background()
	id, err := ch.CreateSession(ctx, newSession("call-1"))
	require.NoError(t, err)

	s, _ := ch.GetSession(ctx, id)
	update, err := s.Terminate(domain.StatusRejected, t0.Add(5*time.Second))
	require.NoError(t, err)
	require.NoError(t, ch.UpdateStatus(ctx, id, update))

	err = ch.UpdateStatus(ctx, id, domain.StatusUpdate{Status: domain.StatusConnected})
	assert.ErrorIs(t, err, domain.ErrSessionTerminal)

	got, _ := ch.GetSession(ctx, id)
	assert.Equal(t, domain.StatusRejected, got.Status)
	assert.Equal(t, int64(5), got.DurationSeconds)
	require.NotNil(t, got.EndTime)
}

func TestChannel_UpdateStatusNeverMovesBackward(t *testing.T) {
	ch := NewChannel()
	ctx := context.Background()
	id, err := ch.CreateSession(ctx, newSession("call-1"))
	require.NoError(t, err)

	require.NoError(t, ch.UpdateStatus(ctx, id, domain.StatusUpdate{Status: domain.StatusConnected}))
	assert.ErrorIs(t, ch.UpdateStatus(ctx, id, domain.StatusUpdate{Status: domain.StatusRinging}), domain.ErrInvalidTransition)
	assert.ErrorIs(t, ch.UpdateStatus(ctx, id, domain.StatusUpdate{Status: domain.StatusCalling}), domain.ErrInvalidTransition)

	pending := newSession(id)
	missed, err := pending.Terminate(domain.StatusMissed, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.ErrorIs(t, ch.UpdateStatus(ctx, id, missed), domain.ErrInvalidTransition)

	got, _ := ch.GetSession(ctx, id)
	assert.Equal(t, domain.StatusConnected, got.Status)
	assert.Nil(t, got.EndTime)
}

func TestChannel_UpdateStatusValidates(t *testing.T) {
	ch := NewChannel()
	ctx := context.Background()
	id, _ := ch.CreateSession(ctx, newSession("call-1"))

	err := ch.UpdateStatus(ctx, id, domain.StatusUpdate{Status: domain.StatusEnded})
	assert.Error(t, err, "terminal status without end time must be refused")

	assert.ErrorIs(t, ch.UpdateStatus(ctx, "nope", domain.StatusUpdate{Status: domain.StatusRinging}), domain.ErrSessionNotFound)
}

func TestChannel_SubscribeToSessionDeliversCurrentThenChanges(t *testing.T) {
	ch := NewChannel()
	ctx := context.Background()
	id, _ := ch.CreateSession(ctx, newSession("call-1"))

	got := make(chan domain.CallSession, 8)
	sub, err := ch.SubscribeToSession(ctx, id, func(s domain.CallSession) { got <- s }, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	first := receive(t, got)
	assert.Equal(t, domain.StatusCalling, first.Status)

	require.NoError(t, ch.UpdateStatus(ctx, id, domain.StatusUpdate{Status: domain.StatusRinging}))
	assert.Eventually(t, func() bool {
		select {
		case s := <-got:
			return s.Status == domain.StatusRinging
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestChannel_SignalsOrderedByCreationTime(t *testing.T) {
	ch := NewChannel()
	ctx := context.Background()
	id, _ := ch.CreateSession(ctx, newSession("call-1"))

	_, err := ch.AppendSignal(ctx, domain.Signal{SessionID: id, SenderID: "bob", Payload: domain.Answer{SDP: "a"}, CreatedAt: t0.Add(2 * time.Second)})
	require.NoError(t, err)
	_, err = ch.AppendSignal(ctx, domain.Signal{SessionID: id, SenderID: "alice", Payload: domain.Offer{SDP: "o"}, CreatedAt: t0.Add(time.Second)})
	require.NoError(t, err)

	_, err = ch.AppendSignal(ctx, domain.Signal{SessionID: "missing", SenderID: "alice", Payload: domain.Offer{SDP: "o"}})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	batch := ch.listSignals(id)
	require.Len(t, batch, 2)
	assert.Equal(t, domain.SignalOffer, batch[0].Type())
	assert.Equal(t, domain.SignalAnswer, batch[1].Type())
	assert.NotEmpty(t, batch[0].ID)
}

func TestChannel_IncomingOnlyPendingForTarget(t *testing.T) {
	ch := NewChannel()
	ctx := context.Background()
	_, _ = ch.CreateSession(ctx, newSession("for-bob"))
	other := domain.NewCallSession("for-carol", "alice", "carol", domain.CallKindVideo, t0)
	_, _ = ch.CreateSession(ctx, other)

	got := make(chan []domain.CallSession, 8)
	sub, err := ch.SubscribeToIncomingSessions(ctx, "bob", func(b []domain.CallSession) { got <- b }, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	batch := receive(t, got)
	require.Len(t, batch, 1)
	assert.Equal(t, "for-bob", batch[0].ID)

	s, _ := ch.GetSession(ctx, "for-bob")
	update, _ := s.Terminate(domain.StatusEnded, t0.Add(time.Second))
	require.NoError(t, ch.UpdateStatus(ctx, "for-bob", update))

	assert.Eventually(t, func() bool {
		select {
		case b := <-got:
			return len(b) == 0
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestChannel_UnsubscribeStopsDelivery(t *testing.T) {
	ch := NewChannel()
	ctx := context.Background()
	id, _ := ch.CreateSession(ctx, newSession("call-1"))

	got := make(chan domain.CallSession, 8)
	sub, err := ch.SubscribeToSession(ctx, id, func(s domain.CallSession) { got <- s }, nil)
	require.NoError(t, err)
	receive(t, got)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	for len(got) > 0 {
		<-got
	}

	require.NoError(t, ch.UpdateStatus(ctx, id, domain.StatusUpdate{Status: domain.StatusRinging}))
	assert.Never(t, func() bool { return len(got) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestChannel_ListSessionsNewestFirst(t *testing.T) {
	ch := NewChannel()
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		s := domain.NewCallSession(id, "alice", "bob", domain.CallKindVoice, t0.Add(time.Duration(i)*time.Minute))
		_, err := ch.CreateSession(ctx, s)
		require.NoError(t, err)
	}
	_, _ = ch.CreateSession(ctx, domain.NewCallSession("x", "carol", "dave", domain.CallKindVoice, t0))

	list, err := ch.ListSessions(ctx, "bob", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	var zero T
	return zero
}

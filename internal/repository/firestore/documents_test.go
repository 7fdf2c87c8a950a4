package firestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-callcore/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestCallDoc_RoundTrip(t *testing.T) {
	s := domain.NewCallSession("call-1", "alice", "bob", domain.CallKindVideo, t0)
	s.ConversationID = "conv-1"

	d := toCallDoc(s)
	assert.Equal(t, "alice", d.CallerID)
	assert.Equal(t, "bob", d.ReceiverID)
	assert.Equal(t, "VIDEO", d.Type)
	assert.Equal(t, t0.UnixMilli(), d.StartTime)
	assert.Zero(t, d.EndTime)
	assert.Equal(t, []string{"alice", "bob"}, d.Participants)

	back := fromCallDoc("call-1", d)
	assert.Equal(t, s, back)
}

func TestCallDoc_EndedCall(t *testing.T) {
	s := domain.NewCallSession("call-1", "alice", "bob", domain.CallKindVoice, t0)
	_, err := s.Terminate(domain.StatusEnded, t0.Add(42*time.Second))
	require.NoError(t, err)

	back := fromCallDoc("call-1", toCallDoc(s))

	require.NotNil(t, back.EndTime)
	assert.True(t, back.EndTime.Equal(t0.Add(42*time.Second)))
	assert.Equal(t, int64(42), back.DurationSeconds)
	assert.Equal(t, "00:42", back.FormattedDuration())
}

func TestCallDoc_MissingTypeDefaultsToVoice(t *testing.T) {
	back := fromCallDoc("x", callDoc{CallerID: "a", ReceiverID: "b", Status: "CALLING", StartTime: t0.UnixMilli()})
	assert.Equal(t, domain.CallKindVoice, back.Kind)
}

func TestStatusUpdates(t *testing.T) {
	updates := statusUpdates(domain.StatusUpdate{Status: domain.StatusRinging})
	require.Len(t, updates, 1)
	assert.Equal(t, "RINGING", updates[0].Value)

	end := t0.Add(3 * time.Second)
	d := int64(3)
	updates = statusUpdates(domain.StatusUpdate{Status: domain.StatusRejected, EndTime: &end, DurationSeconds: &d})
	require.Len(t, updates, 3)
	assert.Equal(t, "endTime", updates[1].Path)
	assert.Equal(t, end.UnixMilli(), updates[1].Value)
	assert.Equal(t, int64(3), updates[2].Value)
}

func TestSignalDoc_RoundTrip(t *testing.T) {
	signals := []domain.Signal{
		{ID: "s1", SessionID: "call-1", SenderID: "alice", Payload: domain.Offer{SDP: "v=0 offer"}, CreatedAt: t0},
		{ID: "s2", SessionID: "call-1", SenderID: "bob", Payload: domain.Answer{SDP: "v=0 answer"}, CreatedAt: t0.Add(time.Second)},
		{ID: "s3", SessionID: "call-1", SenderID: "bob", Payload: domain.IceCandidate{Candidate: "candidate:1", SDPMid: "0", SDPMLineIndex: 1}, CreatedAt: t0.Add(2 * time.Second)},
	}
	for _, s := range signals {
		back, err := fromSignalDoc(s.ID, "", toSignalDoc(s))
		require.NoError(t, err)
		assert.Equal(t, s, back)
	}
}

func TestSignalDoc_CandidateFromMobileClient(t *testing.T) {
	d := signalDoc{
		CallID:   "call-1",
		SenderID: "bob",
		Type:     "ICE_CANDIDATE",
		IceCandidate: map[string]interface{}{
			"candidate":     "candidate:9",
			"sdpMid":        "audio",
			"sdpMLineIndex": float64(0),
		},
		Timestamp: t0.UnixMilli(),
	}

	s, err := fromSignalDoc("s9", "ignored", d)
	require.NoError(t, err)
	assert.Equal(t, "call-1", s.SessionID)
	assert.Equal(t, domain.IceCandidate{Candidate: "candidate:9", SDPMid: "audio"}, s.Payload)

	d.IceCandidate = map[string]interface{}{}
	_, err = fromSignalDoc("s9", "call-1", d)
	assert.Error(t, err)

	_, err = fromSignalDoc("s10", "call-1", signalDoc{Type: "HANGUP"})
	assert.Error(t, err)
}

func TestCheckStored(t *testing.T) {
	assert.NoError(t, checkStored("RINGING", domain.StatusConnected))
	assert.NoError(t, checkStored("CONNECTED", domain.StatusConnected))
	assert.ErrorIs(t, checkStored("CONNECTED", domain.StatusRinging), domain.ErrInvalidTransition)
	assert.ErrorIs(t, checkStored("ONGOING", domain.StatusMissed), domain.ErrInvalidTransition)
	assert.ErrorIs(t, checkStored("REJECTED", domain.StatusEnded), domain.ErrSessionTerminal)
	assert.Error(t, checkStored(nil, domain.StatusEnded))
}

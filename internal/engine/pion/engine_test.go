package pion

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-callcore/internal/domain"
)

type recorder struct {
	mu         sync.Mutex
	candidates []domain.IceCandidate
	states     []domain.ConnectionState
}

func (r *recorder) OnLocalIceCandidate(c domain.IceCandidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates = append(r.candidates, c)
}

func (r *recorder) OnConnectionStateChanged(s domain.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func newEngine(t *testing.T, video bool) *Engine {
	t.Helper()
	e := New(Config{})
	require.NoError(t, e.Initialize(context.Background(), "call-1", video, &recorder{}))
	t.Cleanup(func() { _ = e.Dispose() })
	return e
}

func TestEngine_OfferAnswer(t *testing.T) {
	ctx := context.Background()
	caller := newEngine(t, true)
	callee := newEngine(t, true)

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Contains(t, offer, "m=audio")
	assert.Contains(t, offer, "m=video")

	answer, err := callee.CreateAnswer(ctx, offer)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(answer, "v=0"))

	require.NoError(t, caller.SetRemoteDescription(ctx, answer, domain.SignalAnswer))
}

func TestEngine_VoiceCallHasNoCamera(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, false)

	offer, err := e.CreateOffer(ctx)
	require.NoError(t, err)
	assert.NotContains(t, offer, "m=video")

	assert.ErrorIs(t, e.SetCameraEnabled(false), errNoVideo)
	assert.ErrorIs(t, e.SwitchCamera(), errNoVideo)
	assert.Nil(t, e.VideoTrack())
	assert.NotNil(t, e.AudioTrack())
}

func TestEngine_MediaToggles(t *testing.T) {
	e := newEngine(t, true)

	require.NoError(t, e.SetMicrophoneEnabled(false))
	require.NoError(t, e.SetMicrophoneEnabled(false))
	require.NoError(t, e.SetMicrophoneEnabled(true))

	assert.Equal(t, FacingFront, e.Facing())
	require.NoError(t, e.SwitchCamera())
	assert.Equal(t, FacingBack, e.Facing())

	require.NoError(t, e.SetCameraEnabled(false))
	require.NoError(t, e.SwitchCamera())
	assert.Equal(t, FacingFront, e.Facing())
	require.NoError(t, e.SetCameraEnabled(true))
}

func TestEngine_NotInitializedAndDisposed(t *testing.T) {
	ctx := context.Background()
	e := New(Config{})

	_, err := e.CreateOffer(ctx)
	assert.ErrorIs(t, err, errNotInitialized)
	assert.ErrorIs(t, e.SetMicrophoneEnabled(true), errNotInitialized)

	require.NoError(t, e.Dispose())
	require.NoError(t, e.Dispose())
	assert.ErrorIs(t, e.AddIceCandidate(ctx, domain.IceCandidate{Candidate: "candidate:1"}), errDisposed)
	assert.ErrorIs(t, e.Initialize(ctx, "call-1", false, &recorder{}), errDisposed)
}

func TestEngine_RejectsCandidateAsDescription(t *testing.T) {
	e := newEngine(t, false)

	err := e.SetRemoteDescription(context.Background(), "v=0", domain.SignalIceCandidate)

	assert.Error(t, err)
}

func TestConnectionState(t *testing.T) {
	cases := []struct {
		in   webrtc.PeerConnectionState
		want domain.ConnectionState
		ok   bool
	}{
		{webrtc.PeerConnectionStateConnected, domain.ConnectionConnected, true},
		{webrtc.PeerConnectionStateDisconnected, domain.ConnectionDisconnected, true},
		{webrtc.PeerConnectionStateFailed, domain.ConnectionFailed, true},
		{webrtc.PeerConnectionStateConnecting, "", false},
		{webrtc.PeerConnectionStateClosed, "", false},
	}
	for _, tc := range cases {
		got, ok := connectionState(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in.String())
		assert.Equal(t, tc.want, got, tc.in.String())
	}
}

func TestCandidateConversion(t *testing.T) {
	in := domain.IceCandidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host", SDPMid: "0", SDPMLineIndex: 1}

	init := toICECandidateInit(in)
	require.NotNil(t, init.SDPMid)
	require.NotNil(t, init.SDPMLineIndex)
	assert.Equal(t, "0", *init.SDPMid)
	assert.Equal(t, uint16(1), *init.SDPMLineIndex)

	assert.Equal(t, in, fromICECandidateInit(init))
	assert.Equal(t, domain.IceCandidate{Candidate: "c"}, fromICECandidateInit(webrtc.ICECandidateInit{Candidate: "c"}))
}

func TestICEServers(t *testing.T) {
	servers := iceServers([]string{"stun:stun.example:3478", "turn:turn.example:3478", "turns:turn.example:5349"}, "agent", "secret")

	require.Len(t, servers, 3)
	assert.Empty(t, servers[0].Username)
	assert.Equal(t, "agent", servers[1].Username)
	assert.Equal(t, "secret", servers[2].Credential)
}

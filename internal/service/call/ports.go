package call

import (
	"context"

	"secureconnect-callcore/internal/domain"
)

// SignalingChannel persists sessions and signals and pushes their changes.
//
// The ctx passed to a Subscribe method bounds registration only; delivery
// continues until the returned subscription is released. Every subscription
// delivers the current state once right after registration.
type SignalingChannel interface {
	// CreateSession persists a new session and returns its id. An empty
	// session.ID asks the channel to assign one.
	CreateSession(ctx context.Context, session domain.CallSession) (string, error)
	// GetSession returns domain.ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (*domain.CallSession, error)
	// UpdateStatus merges the update into the stored record when the stored
	// status may move to update.Status. Writes against a terminal session are
	// refused with domain.ErrSessionTerminal, backward ones with
	// domain.ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id string, update domain.StatusUpdate) error
	// AppendSignal persists one signal and returns its id.
	AppendSignal(ctx context.Context, signal domain.Signal) (string, error)
	SubscribeToSession(ctx context.Context, id string, onChange func(domain.CallSession), onError func(error)) (domain.Subscription, error)
	// SubscribeToSignals pushes the full signal list, oldest first, on every append.
	SubscribeToSignals(ctx context.Context, sessionID string, onBatch func([]domain.Signal), onError func(error)) (domain.Subscription, error)
	// SubscribeToIncomingSessions pushes sessions targeting targetID whose
	// status is CALLING or RINGING.
	SubscribeToIncomingSessions(ctx context.Context, targetID string, onBatch func([]domain.CallSession), onError func(error)) (domain.Subscription, error)
	// ListSessions returns sessions where userID is initiator or target, newest first.
	ListSessions(ctx context.Context, userID string, limit int) ([]*domain.CallSession, error)
}

// EngineEvents receives callbacks from a ConnectionEngine. Implementations
// may be invoked from any goroutine.
type EngineEvents interface {
	OnLocalIceCandidate(candidate domain.IceCandidate)
	OnConnectionStateChanged(state domain.ConnectionState)
}

// ConnectionEngine negotiates and carries the media of one session.
// An instance serves exactly one session and is disposed afterwards.
type ConnectionEngine interface {
	Initialize(ctx context.Context, sessionID string, isVideo bool, events EngineEvents) error
	// CreateOffer returns the local offer after setting it as local description.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer applies remoteSDP and returns the local answer.
	CreateAnswer(ctx context.Context, remoteSDP string) (string, error)
	SetRemoteDescription(ctx context.Context, sdp string, kind domain.SignalType) error
	AddIceCandidate(ctx context.Context, candidate domain.IceCandidate) error
	SetMicrophoneEnabled(enabled bool) error
	SetCameraEnabled(enabled bool) error
	SwitchCamera() error
	Dispose() error
}

// EngineFactory builds a fresh engine for each call.
type EngineFactory func() (ConnectionEngine, error)

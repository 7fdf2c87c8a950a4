package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	"secureconnect-callcore/internal/domain"
	"secureconnect-callcore/internal/repository/memory"
	apperrors "secureconnect-callcore/pkg/errors"
)

const waitFor = 2 * time.Second

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeClock only moves when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// opLog records calls across fakes so tests can assert ordering.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *opLog) index(op string) int {
	for i, o := range l.snapshot() {
		if o == op {
			return i
		}
	}
	return -1
}

// fakeEngine is a ConnectionEngine driven by the test.
type fakeEngine struct {
	name string
	log  *opLog

	offerErr  error
	answerErr error

	mu         sync.Mutex
	events     EngineEvents
	sessionID  string
	isVideo    bool
	answered   []string
	remote     []string
	candidates []domain.IceCandidate
	mic        *bool
	camera     *bool
	switches   int
	disposed   int
}

func (e *fakeEngine) Initialize(_ context.Context, sessionID string, isVideo bool, events EngineEvents) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events, e.sessionID, e.isVideo = events, sessionID, isVideo
	e.log.add(e.name + ":initialize")
	return nil
}

func (e *fakeEngine) CreateOffer(context.Context) (string, error) {
	e.log.add(e.name + ":create_offer")
	if e.offerErr != nil {
		return "", e.offerErr
	}
	return "offer-from-" + e.name, nil
}

func (e *fakeEngine) CreateAnswer(_ context.Context, remoteSDP string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log.add(e.name + ":create_answer")
	if e.answerErr != nil {
		return "", e.answerErr
	}
	e.answered = append(e.answered, remoteSDP)
	return "answer-from-" + e.name, nil
}

func (e *fakeEngine) SetRemoteDescription(_ context.Context, sdp string, _ domain.SignalType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log.add(e.name + ":set_remote")
	e.remote = append(e.remote, sdp)
	return nil
}

func (e *fakeEngine) AddIceCandidate(_ context.Context, c domain.IceCandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log.add(e.name + ":add_candidate:" + c.Candidate)
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEngine) SetMicrophoneEnabled(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mic = &enabled
	return nil
}

func (e *fakeEngine) SetCameraEnabled(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isVideo {
		return errors.New("no camera on a voice call")
	}
	e.camera = &enabled
	return nil
}

func (e *fakeEngine) SwitchCamera() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.switches++
	return nil
}

func (e *fakeEngine) Dispose() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disposed++
	e.log.add(e.name + ":dispose")
	return nil
}

func (e *fakeEngine) listener() EngineEvents {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

func (e *fakeEngine) report(state domain.ConnectionState) {
	e.listener().OnConnectionStateChanged(state)
}

func (e *fakeEngine) localCandidate(candidate string) {
	e.listener().OnLocalIceCandidate(domain.IceCandidate{Candidate: candidate, SDPMid: "0"})
}

func (e *fakeEngine) answeredOffers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.answered...)
}

func (e *fakeEngine) remoteDescriptions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.remote...)
}

func (e *fakeEngine) appliedCandidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.candidates))
	for i, c := range e.candidates {
		out[i] = c.Candidate
	}
	return out
}

func (e *fakeEngine) disposeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// engineSet hands out a fresh fakeEngine per call.
type engineSet struct {
	name      string
	log       *opLog
	offerErr  error
	answerErr error

	mu      sync.Mutex
	engines []*fakeEngine
}

func (s *engineSet) factory() (ConnectionEngine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &fakeEngine{
		name:      s.name,
		log:       s.log,
		offerErr:  s.offerErr,
		answerErr: s.answerErr,
	}
	s.engines = append(s.engines, e)
	return e, nil
}

func (s *engineSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.engines)
}

func (s *engineSet) last() *fakeEngine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.engines) == 0 {
		return nil
	}
	return s.engines[len(s.engines)-1]
}

// recordingChannel wraps the in-memory channel with failure hooks and
// records subscription releases into the shared log.
type recordingChannel struct {
	*memory.Channel
	log *opLog

	createErr error
	appendErr func(domain.Signal) error
}

func newRecordingChannel(log *opLog) *recordingChannel {
	return &recordingChannel{Channel: memory.NewChannel(), log: log}
}

func (r *recordingChannel) CreateSession(ctx context.Context, s domain.CallSession) (string, error) {
	if r.createErr != nil {
		return "", r.createErr
	}
	return r.Channel.CreateSession(ctx, s)
}

func (r *recordingChannel) AppendSignal(ctx context.Context, sig domain.Signal) (string, error) {
	if r.appendErr != nil {
		if err := r.appendErr(sig); err != nil {
			return "", err
		}
	}
	return r.Channel.AppendSignal(ctx, sig)
}

func (r *recordingChannel) SubscribeToSession(ctx context.Context, id string, onChange func(domain.CallSession), onError func(error)) (domain.Subscription, error) {
	sub, err := r.Channel.SubscribeToSession(ctx, id, onChange, onError)
	if err != nil {
		return nil, err
	}
	return &recordedSub{Subscription: sub, log: r.log, name: "unsubscribe:session"}, nil
}

func (r *recordingChannel) SubscribeToSignals(ctx context.Context, id string, onBatch func([]domain.Signal), onError func(error)) (domain.Subscription, error) {
	sub, err := r.Channel.SubscribeToSignals(ctx, id, onBatch, onError)
	if err != nil {
		return nil, err
	}
	return &recordedSub{Subscription: sub, log: r.log, name: "unsubscribe:signals"}, nil
}

type recordedSub struct {
	domain.Subscription
	log  *opLog
	name string
}

func (s *recordedSub) Unsubscribe() error {
	s.log.add(s.name)
	return s.Subscription.Unsubscribe()
}

// MockSignalingChannel is a mock implementation of SignalingChannel
type MockSignalingChannel struct {
	mock.Mock
}

func (m *MockSignalingChannel) CreateSession(ctx context.Context, session domain.CallSession) (string, error) {
	args := m.Called(ctx, session)
	return args.String(0), args.Error(1)
}

func (m *MockSignalingChannel) GetSession(ctx context.Context, id string) (*domain.CallSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSignalingChannel) UpdateStatus(ctx context.Context, id string, update domain.StatusUpdate) error {
	args := m.Called(ctx, id, update)
	return args.Error(0)
}

func (m *MockSignalingChannel) AppendSignal(ctx context.Context, signal domain.Signal) (string, error) {
	args := m.Called(ctx, signal)
	return args.String(0), args.Error(1)
}

func (m *MockSignalingChannel) SubscribeToSession(ctx context.Context, id string, onChange func(domain.CallSession), onError func(error)) (domain.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.Subscription), args.Error(1)
}

func (m *MockSignalingChannel) SubscribeToSignals(ctx context.Context, sessionID string, onBatch func([]domain.Signal), onError func(error)) (domain.Subscription, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.Subscription), args.Error(1)
}

func (m *MockSignalingChannel) SubscribeToIncomingSessions(ctx context.Context, targetID string, onBatch func([]domain.CallSession), onError func(error)) (domain.Subscription, error) {
	args := m.Called(ctx, targetID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.Subscription), args.Error(1)
}

func (m *MockSignalingChannel) ListSessions(ctx context.Context, userID string, limit int) ([]*domain.CallSession, error) {
	args := m.Called(ctx, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

type participant struct {
	*Coordinator
	id      string
	engines *engineSet
}

func newParticipant(t *testing.T, id string, ch SignalingChannel, clock *fakeClock, log *opLog, opts ...Option) *participant {
	t.Helper()
	engines := &engineSet{name: id, log: log}
	opts = append([]Option{WithClock(clock), WithLogger(zaptest.NewLogger(t).Named(id))}, opts...)
	c := NewCoordinator(ch, engines.factory, opts...)
	c.Start()
	t.Cleanup(c.Stop)
	return &participant{Coordinator: c, id: id, engines: engines}
}

// awaitSession reads the session stream until match accepts an update.
func awaitSession(t *testing.T, p *participant, match func(domain.CallSession) bool) domain.CallSession {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case s, ok := <-p.SessionStates():
			if !ok {
				t.Fatalf("%s: session stream closed", p.id)
			}
			if match(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("%s: no matching session update", p.id)
		}
	}
}

func withStatus(status domain.CallStatus) func(domain.CallSession) bool {
	return func(s domain.CallSession) bool { return s.Status == status }
}

func terminal(s domain.CallSession) bool { return s.IsTerminal() }

func awaitConnection(t *testing.T, p *participant, state domain.ConnectionState) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case got, ok := <-p.ConnectionStates():
			if !ok {
				t.Fatalf("%s: connection stream closed", p.id)
			}
			if got == state {
				return
			}
		case <-deadline:
			t.Fatalf("%s: connection state %s never reported", p.id, state)
		}
	}
}

func awaitError(t *testing.T, p *participant, code apperrors.ErrorCode) *apperrors.AppError {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case err, ok := <-p.Errors():
			if !ok {
				t.Fatalf("%s: error stream closed", p.id)
			}
			if err.Code == code {
				return err
			}
		case <-deadline:
			t.Fatalf("%s: no %s error reported", p.id, code)
		}
	}
}

func awaitIncoming(t *testing.T, p *participant) domain.CallSession {
	t.Helper()
	select {
	case s := <-p.IncomingCalls():
		return s
	case <-time.After(waitFor):
		t.Fatalf("%s: no incoming call surfaced", p.id)
	}
	return domain.CallSession{}
}

// inspect runs fn on the dispatch goroutine.
func inspect(t *testing.T, p *participant, fn func()) {
	t.Helper()
	err := p.do(context.Background(), func() error {
		fn()
		return nil
	})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
}

func pendingCandidates(t *testing.T, p *participant) int {
	var n int
	inspect(t, p, func() {
		if a := p.live(); a != nil {
			n = len(a.pending)
		}
	})
	return n
}

func remoteSignal(sessionID, sender string, at time.Time, payload domain.SignalPayload) domain.Signal {
	return domain.Signal{SessionID: sessionID, SenderID: sender, Payload: payload, CreatedAt: at}
}

func candidate(n int) domain.IceCandidate {
	return domain.IceCandidate{Candidate: fmt.Sprintf("candidate:%d", n), SDPMid: "0", SDPMLineIndex: 0}
}

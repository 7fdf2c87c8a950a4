package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"secureconnect-callcore/internal/domain"
	"secureconnect-callcore/pkg/constants"
	apperrors "secureconnect-callcore/pkg/errors"
	"secureconnect-callcore/pkg/metrics"
	"secureconnect-callcore/pkg/pagination"
)

// Coordinator owns the call state machine for one participant. It holds at
// most one call at a time and serializes every state change on a single
// dispatch goroutine fed by a mailbox.
type Coordinator struct {
	channel SignalingChannel
	engines EngineFactory

	log             *zap.Logger
	metrics         *metrics.CallMetrics
	clock           Clock
	incomingWindow  time.Duration
	opTimeout       time.Duration
	streamBuffer    int
	candidateBuffer int

	box      *mailbox
	running  atomic.Bool
	startMu  sync.Mutex
	started  bool
	stopped  bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	sessionStates    chan domain.CallSession
	connectionStates chan domain.ConnectionState
	errs             chan *apperrors.AppError
	incoming         chan domain.CallSession

	snapMu sync.RWMutex
	snap   *domain.CallSession

	// Owned by the dispatch goroutine.
	callGen   uint64
	listenGen uint64
	active    *activeCall
	listener  *incomingListener
	exiting   bool
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.CallMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces the wall clock
func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithIncomingWindow sets how long a pending session stays answerable
func WithIncomingWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.incomingWindow = d
		}
	}
}

// WithOperationTimeout bounds channel and engine calls the coordinator makes on its own
func WithOperationTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.opTimeout = d
		}
	}
}

// WithStreamBuffer sets the capacity of each output stream
func WithStreamBuffer(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.streamBuffer = n
		}
	}
}

// WithCandidateBuffer caps ICE candidates held back until the remote description is set
func WithCandidateBuffer(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.candidateBuffer = n
		}
	}
}

// NewCoordinator creates a coordinator. Call Start before using it.
func NewCoordinator(channel SignalingChannel, engines EngineFactory, opts ...Option) *Coordinator {
	c := &Coordinator{
		channel:         channel,
		engines:         engines,
		log:             zap.NewNop(),
		clock:           realClock{},
		incomingWindow:  constants.IncomingCallWindow,
		opTimeout:       constants.DefaultTimeout,
		streamBuffer:    constants.StreamBufferSize,
		candidateBuffer: constants.CandidateBufferSize,
		box:             newMailbox(),
		loopDone:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.sessionStates = make(chan domain.CallSession, c.streamBuffer)
	c.connectionStates = make(chan domain.ConnectionState, c.streamBuffer)
	c.errs = make(chan *apperrors.AppError, c.streamBuffer)
	c.incoming = make(chan domain.CallSession, c.streamBuffer)
	c.baseCtx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Start launches the dispatch goroutine. It is a no-op after the first call
// and after Stop.
func (c *Coordinator) Start() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	c.running.Store(true)
	go c.run()
	c.log.Info("Call coordinator started")
}

// Stop ends the held call, stops incoming detection, and closes every output
// stream. It blocks until the dispatch goroutine exits and is safe to call
// more than once.
func (c *Coordinator) Stop() {
	c.startMu.Lock()
	if c.stopped {
		c.startMu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.startMu.Unlock()

	if !started {
		c.box.close()
		c.closeStreams()
		c.cancel()
		return
	}

	c.box.push(stopEvent{})
	<-c.loopDone
	c.cancel()
	c.log.Info("Call coordinator stopped")
}

// SessionStates streams every change of the held session
func (c *Coordinator) SessionStates() <-chan domain.CallSession { return c.sessionStates }

// ConnectionStates streams media connection state changes
func (c *Coordinator) ConnectionStates() <-chan domain.ConnectionState { return c.connectionStates }

// Errors streams problems, fatal or not, as AppErrors
func (c *Coordinator) Errors() <-chan *apperrors.AppError { return c.errs }

// IncomingCalls streams sessions this user may answer
func (c *Coordinator) IncomingCalls() <-chan domain.CallSession { return c.incoming }

// ActiveSession returns a copy of the held session while a call is live
func (c *Coordinator) ActiveSession() (domain.CallSession, bool) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	if c.snap == nil {
		return domain.CallSession{}, false
	}
	return *c.snap, true
}

// CallHistory lists sessions the user took part in, newest first
func (c *Coordinator) CallHistory(ctx context.Context, userID string, limit int) ([]*domain.CallSession, error) {
	if userID == "" {
		return nil, apperrors.ValidationError("user id is required")
	}
	sessions, err := c.channel.ListSessions(ctx, userID, pagination.Clamp(limit))
	if err != nil {
		return nil, apperrors.ServiceUnavailableError("failed to load call history", err)
	}
	return sessions, nil
}

func (c *Coordinator) run() {
	defer close(c.loopDone)
	for range c.box.notify {
		for _, e := range c.box.take() {
			if c.exiting {
				abort(e)
				continue
			}
			c.dispatch(e)
		}
		if c.exiting {
			for _, e := range c.box.close() {
				abort(e)
			}
			c.closeStreams()
			return
		}
	}
}

func (c *Coordinator) dispatch(e event) {
	switch ev := e.(type) {
	case opEvent:
		ev.done <- ev.run()
	case stopEvent:
		c.shutdown()
	case sessionChangedEvent:
		c.handleSessionChanged(ev)
	case signalsEvent:
		c.handleSignals(ev)
	case incomingEvent:
		c.handleIncoming(ev)
	case subscriptionErrorEvent:
		c.handleSubscriptionError(ev)
	case localCandidateEvent:
		c.handleLocalCandidate(ev)
	case connectionStateEvent:
		c.handleConnectionState(ev)
	case missedTimeoutEvent:
		c.handleMissedTimeout(ev)
	}
}

func abort(e event) {
	if op, ok := e.(opEvent); ok {
		op.done <- apperrors.StoppedError()
	}
}

// do runs fn on the dispatch goroutine and waits for it or for ctx.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	if !c.running.Load() {
		return apperrors.StoppedError()
	}
	done := make(chan error, 1)
	op := opEvent{
		run: func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn()
		},
		done: done,
	}
	if !c.box.push(op) {
		return apperrors.StoppedError()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) shutdown() {
	c.running.Store(false)
	if a := c.live(); a != nil {
		if a.session.IsTerminal() {
			c.release(a)
		} else {
			c.finish(a, domain.StatusEnded, nil)
		}
	}
	c.stopListening()
	c.exiting = true
}

// opContext bounds I/O the loop performs on its own behalf.
func (c *Coordinator) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.baseCtx, c.opTimeout)
}

func (c *Coordinator) closeStreams() {
	close(c.sessionStates)
	close(c.connectionStates)
	close(c.errs)
	close(c.incoming)
}

func (c *Coordinator) setSnapshot(s *domain.CallSession) {
	c.snapMu.Lock()
	c.snap = s
	c.snapMu.Unlock()
}

func (c *Coordinator) emitSession(s domain.CallSession) {
	select {
	case c.sessionStates <- s:
	default:
		c.dropped("session_states", zap.String("session_id", s.ID), zap.String("status", string(s.Status)))
	}
}

func (c *Coordinator) emitConnection(state domain.ConnectionState) {
	select {
	case c.connectionStates <- state:
	default:
		c.dropped("connection_states", zap.String("state", string(state)))
	}
}

func (c *Coordinator) emitError(err *apperrors.AppError) {
	c.log.Warn("Call error",
		zap.String("code", string(err.Code)),
		zap.String("session_id", err.SessionID),
		zap.Bool("fatal", err.Fatal),
		zap.Error(err.Err),
	)
	select {
	case c.errs <- err:
	default:
		c.dropped("errors", zap.String("code", string(err.Code)))
	}
}

func (c *Coordinator) emitIncoming(s domain.CallSession) {
	select {
	case c.incoming <- s:
		c.metrics.RecordIncomingSurfaced()
	default:
		c.dropped("incoming_calls", zap.String("session_id", s.ID))
	}
}

func (c *Coordinator) dropped(stream string, fields ...zap.Field) {
	c.metrics.RecordStreamDrop(stream)
	c.log.Warn("Stream consumer lagging, event dropped", append(fields, zap.String("stream", stream))...)
}

package call

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"secureconnect-callcore/internal/domain"
	apperrors "secureconnect-callcore/pkg/errors"
)

// activeCall is the context of the one call the coordinator holds.
// Only the dispatch goroutine touches it.
type activeCall struct {
	gen     uint64
	selfID  string
	role    domain.Role
	session domain.CallSession

	engine     ConnectionEngine
	sessionSub domain.Subscription
	signalSub  domain.Subscription

	phase         negotiationPhase
	offerApplied  bool
	answerApplied bool
	remoteDescSet bool
	seenSignals   map[string]struct{}
	pending       []domain.IceCandidate

	missedTimer Timer
	connectedAt time.Time
	// released guards cleanup; the status may not have round-tripped yet.
	released bool
}

// PlaceCallInput describes an outgoing call
type PlaceCallInput struct {
	// SessionID is optional; the channel assigns one when empty
	SessionID      string
	InitiatorID    string
	TargetID       string
	Kind           domain.CallKind
	ConversationID string
}

// PlaceCall creates a CALLING session and sends the offer
func (c *Coordinator) PlaceCall(ctx context.Context, in PlaceCallInput) (*domain.CallSession, error) {
	var out domain.CallSession
	err := c.do(ctx, func() error {
		s, err := c.placeCall(ctx, in)
		out = s
		return err
	})
	return sessionResult(out, err)
}

// AcceptCall moves an incoming session to RINGING and answers its offer once it arrives
func (c *Coordinator) AcceptCall(ctx context.Context, sessionID, selfID string, kind domain.CallKind) (*domain.CallSession, error) {
	var out domain.CallSession
	err := c.do(ctx, func() error {
		s, err := c.acceptCall(ctx, sessionID, selfID, kind)
		out = s
		return err
	})
	return sessionResult(out, err)
}

// RejectCall writes REJECTED. Rejecting a session that is already terminal is a no-op.
func (c *Coordinator) RejectCall(ctx context.Context, sessionID string) error {
	return c.do(ctx, func() error {
		return c.rejectCall(ctx, sessionID)
	})
}

// EndCall terminates the held call. Calling it again after the call ended is a no-op.
func (c *Coordinator) EndCall(ctx context.Context) error {
	return c.do(ctx, c.endCall)
}

// ToggleMicrophone enables or mutes the local microphone
func (c *Coordinator) ToggleMicrophone(ctx context.Context, enabled bool) error {
	return c.withEngine(ctx, "microphone", func(e ConnectionEngine) error {
		return e.SetMicrophoneEnabled(enabled)
	})
}

// ToggleCamera enables or disables the local camera
func (c *Coordinator) ToggleCamera(ctx context.Context, enabled bool) error {
	return c.withEngine(ctx, "camera", func(e ConnectionEngine) error {
		return e.SetCameraEnabled(enabled)
	})
}

// SwitchCamera flips between front and back cameras
func (c *Coordinator) SwitchCamera(ctx context.Context) error {
	return c.withEngine(ctx, "camera switch", func(e ConnectionEngine) error {
		return e.SwitchCamera()
	})
}

// sessionResult keeps the session alongside the error once it was created, so
// callers can see which session a failed attempt left behind.
func sessionResult(s domain.CallSession, err error) (*domain.CallSession, error) {
	if s.ID == "" {
		return nil, err
	}
	return &s, err
}

func (c *Coordinator) withEngine(ctx context.Context, what string, fn func(ConnectionEngine) error) error {
	return c.do(ctx, func() error {
		a := c.live()
		if a == nil || a.engine == nil {
			return apperrors.NoActiveCallError()
		}
		if err := fn(a.engine); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeInternal, "failed to apply "+what, err).WithSession(a.session.ID)
		}
		return nil
	})
}

func (c *Coordinator) placeCall(ctx context.Context, in PlaceCallInput) (domain.CallSession, error) {
	if a := c.live(); a != nil {
		return domain.CallSession{}, apperrors.BusyError(a.session.ID)
	}

	session := domain.NewCallSession(in.SessionID, in.InitiatorID, in.TargetID, in.Kind, c.clock.Now())
	session.ConversationID = in.ConversationID
	if err := session.Validate(); err != nil {
		return domain.CallSession{}, apperrors.ValidationError(err.Error())
	}

	id, err := c.channel.CreateSession(ctx, session)
	if err != nil {
		appErr := apperrors.SessionCreateError(err).WithSession(in.SessionID).AsFatal()
		c.metrics.RecordCallFailure(string(session.Kind), string(appErr.Code))
		c.emitError(appErr)
		return domain.CallSession{}, appErr
	}
	session.ID = id

	a := c.hold(session, in.InitiatorID, domain.RoleInitiator)
	c.log.Info("Call placed", c.fields(a)...)

	if err := c.setupMedia(ctx, a); err != nil {
		return a.session, err
	}

	sdp, err := a.engine.CreateOffer(ctx)
	if err != nil {
		return a.session, c.fail(a, apperrors.NegotiationError("failed to create offer", err))
	}
	if err := c.sendSignal(ctx, a, domain.Offer{SDP: sdp}); err != nil {
		return a.session, c.fail(a, apperrors.NegotiationError("failed to send offer", err))
	}

	a.phase = phaseAwaitingAnswer
	c.armMissedTimer(a)
	return a.session, nil
}

func (c *Coordinator) acceptCall(ctx context.Context, sessionID, selfID string, kind domain.CallKind) (domain.CallSession, error) {
	if sessionID == "" || selfID == "" {
		return domain.CallSession{}, apperrors.ValidationError("session id and self id are required")
	}

	if a := c.live(); a != nil {
		if a.session.ID == sessionID {
			return a.session, nil
		}
		c.log.Info("Rejecting incoming call while busy",
			zap.String("session_id", sessionID),
			zap.String("active_session_id", a.session.ID),
		)
		if err := c.rejectStored(ctx, sessionID); err != nil {
			c.log.Warn("Busy auto-reject failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return domain.CallSession{}, apperrors.BusyError(a.session.ID)
	}

	stored, err := c.channel.GetSession(ctx, sessionID)
	if err != nil {
		return domain.CallSession{}, c.lookupError(sessionID, err)
	}
	if stored.IsTerminal() || stored.Status.IsLive() {
		return domain.CallSession{}, apperrors.AlreadyTerminalError(sessionID)
	}
	if stored.TargetID != selfID {
		return domain.CallSession{}, apperrors.ForbiddenError("only the call target can accept").WithSession(sessionID)
	}
	if kind != "" && kind != stored.Kind {
		c.log.Warn("Accept kind differs from session kind, keeping session kind",
			zap.String("session_id", sessionID),
			zap.String("requested", string(kind)),
			zap.String("kind", string(stored.Kind)),
		)
	}

	session := *stored
	if session.Status != domain.StatusRinging {
		err := c.channel.UpdateStatus(ctx, sessionID, domain.StatusUpdate{Status: domain.StatusRinging})
		switch {
		case errors.Is(err, domain.ErrSessionTerminal), errors.Is(err, domain.ErrInvalidTransition):
			// resolved or picked up elsewhere since it was read
			return domain.CallSession{}, apperrors.AlreadyTerminalError(sessionID)
		case err != nil:
			return domain.CallSession{}, c.lookupError(sessionID, err)
		}
		session.Status = domain.StatusRinging
	}

	if c.listener != nil {
		c.listener.surfaced[sessionID] = session.StartTime
	}

	a := c.hold(session, selfID, domain.RoleTarget)
	c.log.Info("Call accepted", c.fields(a)...)

	if err := c.setupMedia(ctx, a); err != nil {
		return a.session, err
	}

	a.phase = phaseAwaitingOffer
	c.armMissedTimer(a)
	return a.session, nil
}

func (c *Coordinator) rejectCall(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return apperrors.ValidationError("session id is required")
	}
	if a := c.active; a != nil && a.session.ID == sessionID {
		if a.released || a.session.IsTerminal() {
			c.release(a)
			return nil
		}
		if !a.session.Status.IsPending() {
			return apperrors.InvalidTransitionError(string(a.session.Status), string(domain.StatusRejected)).WithSession(sessionID)
		}
		return c.finish(a, domain.StatusRejected, nil)
	}
	return c.rejectStored(ctx, sessionID)
}

// rejectStored rejects a session this coordinator does not hold.
func (c *Coordinator) rejectStored(ctx context.Context, sessionID string) error {
	stored, err := c.channel.GetSession(ctx, sessionID)
	if err != nil {
		return c.lookupError(sessionID, err)
	}
	if stored.IsTerminal() {
		return nil
	}
	if !domain.CanTransition(stored.Status, domain.StatusRejected) {
		return apperrors.InvalidTransitionError(string(stored.Status), string(domain.StatusRejected)).WithSession(sessionID)
	}

	session := *stored
	update, err := session.Terminate(domain.StatusRejected, c.clock.Now())
	if err != nil {
		return nil
	}
	err = c.channel.UpdateStatus(ctx, sessionID, update)
	switch {
	case errors.Is(err, domain.ErrSessionTerminal):
		return nil
	case errors.Is(err, domain.ErrInvalidTransition):
		return apperrors.InvalidTransitionError(string(stored.Status), string(domain.StatusRejected)).WithSession(sessionID)
	case err != nil:
		return c.lookupError(sessionID, err)
	}

	c.log.Info("Call rejected", zap.String("session_id", sessionID))
	c.emitSession(session)
	return nil
}

func (c *Coordinator) endCall() error {
	a := c.active
	if a == nil {
		return apperrors.NoActiveCallError()
	}
	if a.released {
		return nil
	}
	if a.session.IsTerminal() {
		c.release(a)
		return nil
	}
	return c.finish(a, domain.StatusEnded, nil)
}

// hold makes session the active call.
func (c *Coordinator) hold(session domain.CallSession, selfID string, role domain.Role) *activeCall {
	c.callGen++
	a := &activeCall{
		gen:         c.callGen,
		selfID:      selfID,
		role:        role,
		session:     session,
		phase:       phaseIdle,
		seenSignals: make(map[string]struct{}),
	}
	c.active = a
	c.metrics.RecordCallStarted()
	c.publish(a)
	return a
}

// live returns the held call unless it has been released.
func (c *Coordinator) live() *activeCall {
	if c.active == nil || c.active.released {
		return nil
	}
	return c.active
}

// current returns the held call if gen still names it.
func (c *Coordinator) current(gen uint64) *activeCall {
	a := c.live()
	if a == nil || a.gen != gen {
		return nil
	}
	return a
}

func (c *Coordinator) setupMedia(ctx context.Context, a *activeCall) error {
	engine, err := c.engines()
	if err != nil {
		return c.fail(a, apperrors.NegotiationError("failed to create connection engine", err))
	}
	a.engine = engine
	c.emitConnection(domain.ConnectionInitializing)

	listener := &engineListener{box: c.box, gen: a.gen}
	if err := engine.Initialize(ctx, a.session.ID, a.session.Kind.IsVideo(), listener); err != nil {
		return c.fail(a, apperrors.NegotiationError("failed to initialize connection engine", err))
	}
	if err := c.subscribe(ctx, a); err != nil {
		return c.fail(a, apperrors.NegotiationError("failed to subscribe to call updates", err))
	}
	return nil
}

// subscribe registers the session and signal listeners, replacing any
// previous registration for this call.
func (c *Coordinator) subscribe(ctx context.Context, a *activeCall) error {
	gen := a.gen
	c.unsubscribe(a)

	sessionSub, err := c.channel.SubscribeToSession(ctx, a.session.ID,
		func(s domain.CallSession) {
			c.box.push(sessionChangedEvent{gen: gen, session: s})
		},
		func(err error) {
			c.box.push(subscriptionErrorEvent{gen: gen, stream: streamSession, err: err})
		},
	)
	if err != nil {
		return err
	}
	a.sessionSub = sessionSub

	signalSub, err := c.channel.SubscribeToSignals(ctx, a.session.ID,
		func(signals []domain.Signal) {
			c.box.push(signalsEvent{gen: gen, signals: signals})
		},
		func(err error) {
			c.box.push(subscriptionErrorEvent{gen: gen, stream: streamSignals, err: err})
		},
	)
	if err != nil {
		return err
	}
	a.signalSub = signalSub
	return nil
}

func (c *Coordinator) unsubscribe(a *activeCall) {
	for _, sub := range []domain.Subscription{a.sessionSub, a.signalSub} {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			c.log.Warn("Failed to release subscription", zap.String("session_id", a.session.ID), zap.Error(err))
		}
	}
	a.sessionSub, a.signalSub = nil, nil
}

// fail drives the call to FAILED and reports cause as fatal.
func (c *Coordinator) fail(a *activeCall, cause *apperrors.AppError) *apperrors.AppError {
	cause = cause.WithSession(a.session.ID).AsFatal()
	c.metrics.RecordCallFailure(string(a.session.Kind), string(cause.Code))
	c.finish(a, domain.StatusFailed, cause)
	return cause
}

// finish writes a terminal status, publishes it, and releases the call. When
// another terminal write already landed, the stored status wins. The returned
// error is non-nil only when the write could not be persisted.
func (c *Coordinator) finish(a *activeCall, status domain.CallStatus, cause *apperrors.AppError) error {
	if a.session.IsTerminal() {
		c.release(a)
		return nil
	}

	ctx, cancel := c.opContext()
	defer cancel()

	next := a.session
	update, err := next.Terminate(status, c.clock.Now())
	if err != nil {
		c.release(a)
		return nil
	}

	var writeErr *apperrors.AppError
	err = c.channel.UpdateStatus(ctx, a.session.ID, update)
	switch {
	case err == nil:
		a.session = next
	case errors.Is(err, domain.ErrSessionTerminal):
		if stored, gerr := c.channel.GetSession(ctx, a.session.ID); gerr == nil && stored.IsTerminal() {
			c.log.Info("Terminal status already written by peer",
				zap.String("session_id", a.session.ID),
				zap.String("wanted", string(status)),
				zap.String("status", string(stored.Status)),
			)
			a.session = withTerminal(a.session, *stored, c.clock.Now())
		} else {
			a.session = next
		}
	case errors.Is(err, domain.ErrSessionNotFound):
		c.log.Warn("Session vanished before terminal write", zap.String("session_id", a.session.ID))
		a.session = next
	case errors.Is(err, domain.ErrInvalidTransition):
		// MISSED over a call the peer already connected; the stored status wins
		c.log.Warn("Terminal status refused by channel",
			zap.String("session_id", a.session.ID),
			zap.String("wanted", string(status)),
			zap.Error(err),
		)
		c.adoptStored(ctx, a)
		return nil
	default:
		a.session = next
		writeErr = apperrors.ServiceUnavailableError("failed to persist terminal status", err).WithSession(a.session.ID)
	}

	c.log.Info("Call finished", append(c.fields(a), zap.Int64("duration_seconds", a.session.DurationSeconds))...)
	c.publish(a)
	if cause != nil {
		c.emitError(cause)
	}
	if writeErr != nil {
		c.emitError(writeErr)
	}
	c.release(a)
	if writeErr != nil {
		return writeErr
	}
	return nil
}

// adoptTerminal takes a terminal status written elsewhere.
func (c *Coordinator) adoptTerminal(a *activeCall, remote domain.CallSession) {
	a.session = withTerminal(a.session, remote, c.clock.Now())
	c.log.Info("Call resolved remotely", c.fields(a)...)
	if a.session.Status == domain.StatusFailed {
		c.metrics.RecordCallFailure(string(a.session.Kind), "remote")
	}
	c.publish(a)
	c.release(a)
}

// adoptStored re-reads the session after a refused write and takes the
// stored status when it is terminal or further along than the local one.
func (c *Coordinator) adoptStored(ctx context.Context, a *activeCall) {
	stored, err := c.channel.GetSession(ctx, a.session.ID)
	if err != nil {
		c.log.Warn("Status write refused and session reload failed",
			zap.String("session_id", a.session.ID), zap.Error(err))
		return
	}
	switch {
	case stored.IsTerminal():
		c.adoptTerminal(a, *stored)
	case domain.CanTransition(a.session.Status, stored.Status):
		a.session.Status = stored.Status
		if stored.Status.IsLive() {
			c.stopMissedTimer(a)
		}
		c.publish(a)
	}
}

func withTerminal(local, remote domain.CallSession, now time.Time) domain.CallSession {
	local.Status = remote.Status
	if remote.EndTime != nil {
		end := *remote.EndTime
		local.EndTime = &end
		local.DurationSeconds = remote.DurationSeconds
		return local
	}
	end := now
	local.EndTime = &end
	local.DurationSeconds = domain.ElapsedSeconds(local.StartTime, end)
	return local
}

// release frees the call's resources exactly once: subscriptions first, then the engine.
func (c *Coordinator) release(a *activeCall) {
	if a.released {
		return
	}
	a.released = true
	a.phase = phaseClosed
	c.stopMissedTimer(a)
	c.unsubscribe(a)
	a.pending = nil

	if a.engine != nil {
		if err := a.engine.Dispose(); err != nil {
			c.log.Warn("Failed to dispose connection engine", zap.String("session_id", a.session.ID), zap.Error(err))
		}
		a.engine = nil
		c.emitConnection(domain.ConnectionIdle)
	}

	var talked time.Duration
	if !a.connectedAt.IsZero() {
		talked = time.Duration(a.session.DurationSeconds) * time.Second
	}
	outcome := string(a.session.Status)
	if !a.session.IsTerminal() {
		outcome = "RELEASED"
	}
	c.metrics.RecordCallFinished(string(a.session.Kind), string(a.role), outcome, talked)
	c.setSnapshot(nil)
	c.log.Debug("Call resources released", c.fields(a)...)
}

func (c *Coordinator) publish(a *activeCall) {
	s := a.session
	if !a.released {
		c.setSnapshot(&s)
	}
	c.emitSession(s)
}

func (c *Coordinator) armMissedTimer(a *activeCall) {
	c.stopMissedTimer(a)
	wait := a.session.StartTime.Add(c.incomingWindow).Sub(c.clock.Now())
	if wait < 0 {
		wait = 0
	}
	gen, box := a.gen, c.box
	a.missedTimer = c.clock.AfterFunc(wait, func() {
		box.push(missedTimeoutEvent{gen: gen})
	})
}

func (c *Coordinator) stopMissedTimer(a *activeCall) {
	if a.missedTimer != nil {
		a.missedTimer.Stop()
		a.missedTimer = nil
	}
}

func (c *Coordinator) handleMissedTimeout(e missedTimeoutEvent) {
	a := c.current(e.gen)
	if a == nil {
		return
	}
	a.missedTimer = nil
	if !a.session.Status.IsPending() || a.phase == phaseConnected {
		return
	}
	c.log.Info("No answer within the incoming window", c.fields(a)...)
	c.finish(a, domain.StatusMissed, nil)
}

func (c *Coordinator) handleSessionChanged(e sessionChangedEvent) {
	a := c.current(e.gen)
	if a == nil || a.session.IsTerminal() {
		return
	}

	remote := e.session
	switch {
	case remote.IsTerminal():
		c.adoptTerminal(a, remote)
	case domain.CanTransition(a.session.Status, remote.Status):
		a.session.Status = remote.Status
		if remote.Status.IsLive() {
			c.stopMissedTimer(a)
		}
		c.log.Debug("Session status changed", c.fields(a)...)
		c.publish(a)
	case remote.Status.Canonical() == a.session.Status.Canonical():
		// ONGOING and CONNECTED are the same live call
	default:
		c.log.Debug("Ignoring stale session status",
			zap.String("session_id", a.session.ID),
			zap.String("local", string(a.session.Status)),
			zap.String("remote", string(remote.Status)),
		)
	}
}

func (c *Coordinator) handleConnectionState(e connectionStateEvent) {
	a := c.current(e.gen)
	if a == nil {
		return
	}
	c.emitConnection(e.state)

	switch e.state {
	case domain.ConnectionConnected:
		a.phase = phaseConnected
		c.stopMissedTimer(a)
		if a.connectedAt.IsZero() {
			a.connectedAt = c.clock.Now()
		}
		if a.session.IsTerminal() || a.session.Status.IsLive() {
			return
		}

		ctx, cancel := c.opContext()
		defer cancel()
		err := c.channel.UpdateStatus(ctx, a.session.ID, domain.StatusUpdate{Status: domain.StatusConnected})
		switch {
		case errors.Is(err, domain.ErrSessionTerminal), errors.Is(err, domain.ErrInvalidTransition):
			c.adoptStored(ctx, a)
			return
		case err != nil:
			c.emitError(apperrors.SignalDeliveryError("failed to persist connected status", err).WithSession(a.session.ID))
		}
		a.session.Status = domain.StatusConnected
		c.log.Info("Call connected", c.fields(a)...)
		c.publish(a)

	case domain.ConnectionDisconnected:
		c.log.Warn("Media connection interrupted", c.fields(a)...)

	case domain.ConnectionFailed:
		c.fail(a, apperrors.ConnectionFailedError(a.session.ID))
	}
}

func (c *Coordinator) handleSubscriptionError(e subscriptionErrorEvent) {
	var sessionID string
	if e.stream == streamIncoming {
		if c.listener == nil || c.listener.gen != e.gen {
			return
		}
	} else {
		a := c.current(e.gen)
		if a == nil {
			return
		}
		sessionID = a.session.ID
	}
	c.emitError(apperrors.SignalDeliveryError("subscription delivery failed", e.err).
		WithSession(sessionID).
		WithDetails(map[string]string{"stream": e.stream}))
}

func (c *Coordinator) lookupError(sessionID string, err error) *apperrors.AppError {
	if errors.Is(err, domain.ErrSessionNotFound) {
		return apperrors.NotFoundError("call session").WithSession(sessionID)
	}
	if errors.Is(err, domain.ErrSessionTerminal) {
		return apperrors.AlreadyTerminalError(sessionID)
	}
	return apperrors.ServiceUnavailableError("signaling channel unavailable", err).WithSession(sessionID)
}

func (c *Coordinator) fields(a *activeCall) []zap.Field {
	return []zap.Field{
		zap.String("session_id", a.session.ID),
		zap.String("role", string(a.role)),
		zap.String("status", string(a.session.Status)),
		zap.String("phase", a.phase.String()),
	}
}

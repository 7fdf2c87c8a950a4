package call

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"secureconnect-callcore/internal/domain"
	apperrors "secureconnect-callcore/pkg/errors"
)

// negotiationPhase tracks how far offer/answer exchange has progressed.
type negotiationPhase int

const (
	phaseIdle negotiationPhase = iota
	phaseAwaitingOffer
	phaseAwaitingAnswer
	phaseNegotiating
	phaseConnected
	phaseClosed
)

func (p negotiationPhase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseAwaitingOffer:
		return "awaiting_offer"
	case phaseAwaitingAnswer:
		return "awaiting_answer"
	case phaseNegotiating:
		return "negotiating"
	case phaseConnected:
		return "connected"
	case phaseClosed:
		return "closed"
	}
	return "unknown"
}

// Reasons a delivered signal is not applied.
const (
	ignoreSelf          = "self"
	ignoreReplayed      = "replayed"
	ignoreDuplicate     = "duplicate"
	ignoreWrongRole     = "wrong_role"
	ignoreEarlyOverflow = "early_overflow"
	ignoreInvalid       = "invalid"
)

// handleSignals applies a delivered batch. Channels redeliver the whole list
// on every append, so each signal is applied at most once.
func (c *Coordinator) handleSignals(e signalsEvent) {
	a := c.current(e.gen)
	if a == nil {
		return
	}

	ctx, cancel := c.opContext()
	defer cancel()

	for _, sig := range e.signals {
		if a.released || a.session.IsTerminal() {
			return
		}
		if sig.SessionID != "" && sig.SessionID != a.session.ID {
			continue
		}
		if sig.SenderID == a.selfID {
			c.metrics.RecordSignalIgnored(ignoreSelf)
			continue
		}
		key := signalKey(sig)
		if _, seen := a.seenSignals[key]; seen {
			c.metrics.RecordSignalIgnored(ignoreReplayed)
			continue
		}
		a.seenSignals[key] = struct{}{}

		if err := sig.Validate(); err != nil {
			c.metrics.RecordSignalIgnored(ignoreInvalid)
			c.log.Warn("Dropping malformed signal",
				zap.String("session_id", a.session.ID),
				zap.String("signal_id", sig.ID),
				zap.Error(err),
			)
			continue
		}
		c.applySignal(ctx, a, sig)
	}
}

func (c *Coordinator) applySignal(ctx context.Context, a *activeCall, sig domain.Signal) {
	switch p := sig.Payload.(type) {
	case domain.Offer:
		c.applyOffer(ctx, a, p)
	case domain.Answer:
		c.applyAnswer(ctx, a, p)
	case domain.IceCandidate:
		c.applyCandidate(ctx, a, p)
	}
}

func (c *Coordinator) applyOffer(ctx context.Context, a *activeCall, offer domain.Offer) {
	if a.role != domain.RoleTarget {
		c.metrics.RecordSignalIgnored(ignoreWrongRole)
		return
	}
	if a.offerApplied {
		c.metrics.RecordSignalIgnored(ignoreDuplicate)
		return
	}
	a.offerApplied = true

	sdp, err := a.engine.CreateAnswer(ctx, offer.SDP)
	if err != nil {
		c.fail(a, apperrors.NegotiationError("failed to answer offer", err))
		return
	}
	a.remoteDescSet = true
	c.metrics.RecordSignalApplied(string(domain.SignalOffer))

	if err := c.sendSignal(ctx, a, domain.Answer{SDP: sdp}); err != nil {
		c.fail(a, apperrors.NegotiationError("failed to send answer", err))
		return
	}
	// answered calls are no longer subject to the missed window
	c.stopMissedTimer(a)
	if a.phase != phaseConnected {
		a.phase = phaseNegotiating
	}
	c.flushCandidates(ctx, a)
}

func (c *Coordinator) applyAnswer(ctx context.Context, a *activeCall, answer domain.Answer) {
	if a.role != domain.RoleInitiator {
		c.metrics.RecordSignalIgnored(ignoreWrongRole)
		return
	}
	if a.answerApplied {
		c.metrics.RecordSignalIgnored(ignoreDuplicate)
		return
	}
	a.answerApplied = true

	if err := a.engine.SetRemoteDescription(ctx, answer.SDP, domain.SignalAnswer); err != nil {
		c.fail(a, apperrors.NegotiationError("failed to apply answer", err))
		return
	}
	a.remoteDescSet = true
	c.metrics.RecordSignalApplied(string(domain.SignalAnswer))
	c.stopMissedTimer(a)
	if a.phase != phaseConnected {
		a.phase = phaseNegotiating
	}
	c.flushCandidates(ctx, a)
}

func (c *Coordinator) applyCandidate(ctx context.Context, a *activeCall, candidate domain.IceCandidate) {
	if !a.remoteDescSet {
		if len(a.pending) >= c.candidateBuffer {
			c.metrics.RecordSignalIgnored(ignoreEarlyOverflow)
			c.log.Warn("Early candidate buffer full, dropping candidate", zap.String("session_id", a.session.ID))
			return
		}
		a.pending = append(a.pending, candidate)
		return
	}
	c.addCandidate(ctx, a, candidate)
}

func (c *Coordinator) flushCandidates(ctx context.Context, a *activeCall) {
	pending := a.pending
	a.pending = nil
	for _, candidate := range pending {
		if a.released {
			return
		}
		c.addCandidate(ctx, a, candidate)
	}
}

func (c *Coordinator) addCandidate(ctx context.Context, a *activeCall, candidate domain.IceCandidate) {
	if err := a.engine.AddIceCandidate(ctx, candidate); err != nil {
		c.emitError(apperrors.SignalDeliveryError("failed to add remote candidate", err).WithSession(a.session.ID))
		return
	}
	c.metrics.RecordSignalApplied(string(domain.SignalIceCandidate))
}

// sendSignal appends a signal from this participant to the held session.
func (c *Coordinator) sendSignal(ctx context.Context, a *activeCall, payload domain.SignalPayload) error {
	sig := domain.Signal{
		SessionID: a.session.ID,
		SenderID:  a.selfID,
		Payload:   payload,
		CreatedAt: c.clock.Now(),
	}
	id, err := c.channel.AppendSignal(ctx, sig)
	c.metrics.RecordSignalSent(string(payload.SignalType()), err)
	if err != nil {
		return err
	}
	c.log.Debug("Signal sent",
		zap.String("session_id", a.session.ID),
		zap.String("signal_id", id),
		zap.String("type", string(payload.SignalType())),
	)
	return nil
}

func (c *Coordinator) handleLocalCandidate(e localCandidateEvent) {
	a := c.current(e.gen)
	if a == nil || a.session.IsTerminal() {
		return
	}
	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.sendSignal(ctx, a, e.candidate); err != nil {
		c.emitError(apperrors.SignalDeliveryError("failed to send local candidate", err).WithSession(a.session.ID))
	}
}

// signalKey identifies a signal for replay detection. Channels always assign
// ids; the content key only covers signals that arrive without one.
func signalKey(sig domain.Signal) string {
	if sig.ID != "" {
		return sig.ID
	}
	switch p := sig.Payload.(type) {
	case domain.Offer:
		return fmt.Sprintf("%s|offer|%s", sig.SenderID, p.SDP)
	case domain.Answer:
		return fmt.Sprintf("%s|answer|%s", sig.SenderID, p.SDP)
	case domain.IceCandidate:
		return fmt.Sprintf("%s|ice|%s|%s|%d", sig.SenderID, p.Candidate, p.SDPMid, p.SDPMLineIndex)
	}
	return fmt.Sprintf("%s|%d", sig.SenderID, sig.CreatedAt.UnixNano())
}

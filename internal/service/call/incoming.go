package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"secureconnect-callcore/internal/domain"
	apperrors "secureconnect-callcore/pkg/errors"
)

type incomingListener struct {
	gen    uint64
	selfID string
	sub    domain.Subscription
	// surfaced remembers sessions already emitted, keyed by id, until they age out of the window.
	surfaced map[string]time.Time
}

// ListenForIncoming starts detecting pending sessions that target selfID.
// A previous listener is released first.
func (c *Coordinator) ListenForIncoming(ctx context.Context, selfID string) error {
	if selfID == "" {
		return apperrors.ValidationError("self id is required")
	}
	return c.do(ctx, func() error {
		c.stopListening()

		c.listenGen++
		l := &incomingListener{
			gen:      c.listenGen,
			selfID:   selfID,
			surfaced: make(map[string]time.Time),
		}
		gen := l.gen
		sub, err := c.channel.SubscribeToIncomingSessions(ctx, selfID,
			func(sessions []domain.CallSession) {
				c.box.push(incomingEvent{gen: gen, sessions: sessions})
			},
			func(err error) {
				c.box.push(subscriptionErrorEvent{gen: gen, stream: streamIncoming, err: err})
			},
		)
		if err != nil {
			return apperrors.ServiceUnavailableError("failed to subscribe to incoming calls", err)
		}
		l.sub = sub
		c.listener = l
		c.log.Info("Listening for incoming calls", zap.String("user_id", selfID))
		return nil
	})
}

// StopListeningForIncoming releases the incoming-call subscription
func (c *Coordinator) StopListeningForIncoming(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.stopListening()
		return nil
	})
}

func (c *Coordinator) stopListening() {
	l := c.listener
	if l == nil {
		return
	}
	c.listener = nil
	if l.sub != nil {
		if err := l.sub.Unsubscribe(); err != nil {
			c.log.Warn("Failed to release incoming subscription", zap.String("user_id", l.selfID), zap.Error(err))
		}
	}
}

// handleIncoming surfaces at most one session per batch: the first pending,
// recent one this device has not surfaced before.
func (c *Coordinator) handleIncoming(e incomingEvent) {
	l := c.listener
	if l == nil || l.gen != e.gen {
		return
	}

	now := c.clock.Now()
	for id, start := range l.surfaced {
		if now.Sub(start) > c.incomingWindow {
			delete(l.surfaced, id)
		}
	}

	for _, s := range e.sessions {
		if s.TargetID != l.selfID || !s.Status.IsPending() {
			continue
		}
		if now.Sub(s.StartTime) > c.incomingWindow {
			c.metrics.RecordSignalIgnored("stale")
			continue
		}
		if _, seen := l.surfaced[s.ID]; seen {
			continue
		}
		if c.active != nil && c.active.session.ID == s.ID {
			continue
		}

		l.surfaced[s.ID] = s.StartTime
		c.log.Info("Incoming call",
			zap.String("session_id", s.ID),
			zap.String("initiator_id", s.InitiatorID),
			zap.String("kind", string(s.Kind)),
		)
		c.emitIncoming(s)
		return
	}
}

package call

import (
	"secureconnect-callcore/internal/domain"
)

// event is anything the dispatch loop processes. Callbacks from the channel
// and the engine are turned into events carrying the generation of the call
// (or incoming listener) that registered them, so late deliveries for a
// released call are recognised and dropped.
type event interface {
	isEvent()
}

// opEvent runs a public operation on the loop.
type opEvent struct {
	run  func() error
	done chan error
}

type stopEvent struct{}

type sessionChangedEvent struct {
	gen     uint64
	session domain.CallSession
}

type signalsEvent struct {
	gen     uint64
	signals []domain.Signal
}

type incomingEvent struct {
	gen      uint64
	sessions []domain.CallSession
}

type subscriptionErrorEvent struct {
	gen    uint64
	stream string
	err    error
}

type localCandidateEvent struct {
	gen       uint64
	candidate domain.IceCandidate
}

type connectionStateEvent struct {
	gen   uint64
	state domain.ConnectionState
}

type missedTimeoutEvent struct {
	gen uint64
}

func (opEvent) isEvent()                {}
func (stopEvent) isEvent()              {}
func (sessionChangedEvent) isEvent()    {}
func (signalsEvent) isEvent()           {}
func (incomingEvent) isEvent()          {}
func (subscriptionErrorEvent) isEvent() {}
func (localCandidateEvent) isEvent()    {}
func (connectionStateEvent) isEvent()   {}
func (missedTimeoutEvent) isEvent()     {}

// Subscription stream names, used in logs, metrics and error details.
const (
	streamSession  = "session"
	streamSignals  = "signals"
	streamIncoming = "incoming"
)

// engineListener forwards engine callbacks into the mailbox.
type engineListener struct {
	box *mailbox
	gen uint64
}

func (l *engineListener) OnLocalIceCandidate(candidate domain.IceCandidate) {
	l.box.push(localCandidateEvent{gen: l.gen, candidate: candidate})
}

func (l *engineListener) OnConnectionStateChanged(state domain.ConnectionState) {
	l.box.push(connectionStateEvent{gen: l.gen, state: state})
}

package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound is returned by a signaling channel for an unknown session id
	ErrSessionNotFound = errors.New("call session not found")
	// ErrSessionTerminal is returned by a signaling channel when a status write
	// targets a session that already holds a terminal status
	ErrSessionTerminal = errors.New("call session already terminal")
	// ErrInvalidTransition is returned by a signaling channel when a status write
	// would move a live or pending session backward
	ErrInvalidTransition = errors.New("call status transition not allowed")
)

// CallKind is the media kind of a call, fixed at creation
type CallKind string

const (
	CallKindVoice CallKind = "VOICE"
	CallKindVideo CallKind = "VIDEO"
)

// IsValid reports whether k is a known kind
func (k CallKind) IsValid() bool {
	return k == CallKindVoice || k == CallKindVideo
}

// IsVideo reports whether the call carries video
func (k CallKind) IsVideo() bool {
	return k == CallKindVideo
}

// CallStatus is the lifecycle status of a call session
type CallStatus string

const (
	StatusCalling   CallStatus = "CALLING"
	StatusRinging   CallStatus = "RINGING"
	StatusConnected CallStatus = "CONNECTED"
	StatusOngoing   CallStatus = "ONGOING"
	StatusEnded     CallStatus = "ENDED"
	StatusMissed    CallStatus = "MISSED"
	StatusRejected  CallStatus = "REJECTED"
	StatusFailed    CallStatus = "FAILED"
)

// IsValid reports whether s is a known status
func (s CallStatus) IsValid() bool {
	switch s {
	case StatusCalling, StatusRinging, StatusConnected, StatusOngoing,
		StatusEnded, StatusMissed, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is a sink status
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusMissed, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// IsPending reports whether the call is still waiting to be picked up
func (s CallStatus) IsPending() bool {
	return s == StatusCalling || s == StatusRinging
}

// IsLive reports whether media is flowing. ONGOING is an alias of CONNECTED.
func (s CallStatus) IsLive() bool {
	return s == StatusConnected || s == StatusOngoing
}

// Canonical folds ONGOING into CONNECTED. Clients of the mobile app write
// ONGOING for an answered call.
func (s CallStatus) Canonical() CallStatus {
	if s == StatusOngoing {
		return StatusConnected
	}
	return s
}

var transitions = map[CallStatus][]CallStatus{
	// CONNECTED is reachable from CALLING because the engine callback and the
	// RINGING notification are not ordered with respect to each other.
	StatusCalling:   {StatusRinging, StatusConnected, StatusOngoing, StatusEnded, StatusMissed, StatusRejected, StatusFailed},
	StatusRinging:   {StatusConnected, StatusOngoing, StatusEnded, StatusMissed, StatusRejected, StatusFailed},
	StatusConnected: {StatusOngoing, StatusEnded, StatusFailed},
	StatusOngoing:   {StatusEnded, StatusFailed},
}

// CanTransition reports whether a session may move from one status to another.
// Terminal statuses have no outgoing transitions and nothing returns to CALLING.
func CanTransition(from, to CallStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanWrite reports whether a channel may store next over stored. Rewriting the
// same non-terminal status is allowed so concurrent writers of one step agree.
func CanWrite(stored, next CallStatus) bool {
	if stored.IsTerminal() {
		return false
	}
	return stored == next || CanTransition(stored, next)
}

// WritableFrom lists the stored statuses next may be written over
func WritableFrom(next CallStatus) []CallStatus {
	var out []CallStatus
	for _, from := range []CallStatus{StatusCalling, StatusRinging, StatusConnected, StatusOngoing} {
		if CanWrite(from, next) {
			out = append(out, from)
		}
	}
	return out
}

// CheckWrite maps a refused write to the sentinel a signaling channel returns
func CheckWrite(stored, next CallStatus) error {
	switch {
	case stored.IsTerminal():
		return ErrSessionTerminal
	case !CanWrite(stored, next):
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, stored, next)
	}
	return nil
}

// Role is the side of a call this process plays
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleTarget    Role = "target"
)

// CallSession is the durable record of one call attempt
type CallSession struct {
	ID             string     `json:"id"`
	InitiatorID    string     `json:"initiator_id"`
	TargetID       string     `json:"target_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Kind           CallKind   `json:"kind"`
	Status         CallStatus `json:"status"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	// DurationSeconds is 0 until the session terminates
	DurationSeconds int64 `json:"duration_seconds"`
}

// NewCallSession builds a session in CALLING state
func NewCallSession(id, initiatorID, targetID string, kind CallKind, startTime time.Time) CallSession {
	return CallSession{
		ID:          id,
		InitiatorID: initiatorID,
		TargetID:    targetID,
		Kind:        kind,
		Status:      StatusCalling,
		StartTime:   startTime,
	}
}

// Validate checks the fields required at creation
func (s CallSession) Validate() error {
	if s.InitiatorID == "" || s.TargetID == "" {
		return errors.New("initiator and target are required")
	}
	if s.InitiatorID == s.TargetID {
		return errors.New("initiator and target must differ")
	}
	if !s.Kind.IsValid() {
		return fmt.Errorf("unknown call kind %q", s.Kind)
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("unknown call status %q", s.Status)
	}
	return nil
}

// IsTerminal reports whether the session reached a sink status
func (s CallSession) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// RoleOf returns the role userID plays in the session
func (s CallSession) RoleOf(userID string) (Role, bool) {
	switch userID {
	case s.InitiatorID:
		return RoleInitiator, true
	case s.TargetID:
		return RoleTarget, true
	}
	return "", false
}

// PeerOf returns the other participant
func (s CallSession) PeerOf(userID string) string {
	if userID == s.InitiatorID {
		return s.TargetID
	}
	return s.InitiatorID
}

// Terminate moves the session into a terminal status and stamps end time and
// duration together. It returns the update to persist.
func (s *CallSession) Terminate(status CallStatus, at time.Time) (StatusUpdate, error) {
	if !status.IsTerminal() {
		return StatusUpdate{}, fmt.Errorf("%s is not a terminal status", status)
	}
	if s.Status.IsTerminal() {
		return StatusUpdate{}, ErrSessionTerminal
	}
	end := at
	duration := ElapsedSeconds(s.StartTime, end)
	s.Status = status
	s.EndTime = &end
	s.DurationSeconds = duration
	return StatusUpdate{Status: status, EndTime: &end, DurationSeconds: &duration}, nil
}

// ElapsedSeconds returns whole seconds between start and end, never negative
func ElapsedSeconds(start, end time.Time) int64 {
	if start.IsZero() || end.Before(start) {
		return 0
	}
	return int64(end.Sub(start) / time.Second)
}

// FormattedDuration renders the duration as MM:SS, or HH:MM:SS past an hour
func (s CallSession) FormattedDuration() string {
	d := s.DurationSeconds
	if d < 0 {
		d = 0
	}
	hours, minutes, seconds := d/3600, (d%3600)/60, d%60
	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// StatusUpdate is a partial write to a session record
type StatusUpdate struct {
	Status          CallStatus `json:"status"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
}

// Validate enforces that end time and duration travel together with a terminal status
func (u StatusUpdate) Validate() error {
	if !u.Status.IsValid() {
		return fmt.Errorf("unknown call status %q", u.Status)
	}
	if (u.EndTime == nil) != (u.DurationSeconds == nil) {
		return errors.New("end time and duration must be set together")
	}
	if u.Status.IsTerminal() && u.EndTime == nil {
		return errors.New("terminal status requires end time and duration")
	}
	if !u.Status.IsTerminal() && u.EndTime != nil {
		return errors.New("end time is only set on terminal status")
	}
	return nil
}

// Apply merges the update into the session
func (u StatusUpdate) Apply(s *CallSession) {
	s.Status = u.Status
	if u.EndTime != nil {
		end := *u.EndTime
		s.EndTime = &end
	}
	if u.DurationSeconds != nil {
		s.DurationSeconds = *u.DurationSeconds
	}
}

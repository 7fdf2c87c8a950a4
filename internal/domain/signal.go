package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SignalType is the kind of a signal message
type SignalType string

const (
	SignalOffer        SignalType = "OFFER"
	SignalAnswer       SignalType = "ANSWER"
	SignalIceCandidate SignalType = "ICE_CANDIDATE"
)

// SignalPayload is one of Offer, Answer or IceCandidate
type SignalPayload interface {
	SignalType() SignalType
	isSignalPayload()
}

// Offer carries the initiator's session description
type Offer struct {
	SDP string `json:"sdp"`
}

// Answer carries the target's session description
type Answer struct {
	SDP string `json:"sdp"`
}

// IceCandidate is a trickled connectivity candidate
type IceCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex int    `json:"sdp_mline_index"`
}

func (Offer) SignalType() SignalType        { return SignalOffer }
func (Answer) SignalType() SignalType       { return SignalAnswer }
func (IceCandidate) SignalType() SignalType { return SignalIceCandidate }

func (Offer) isSignalPayload()        {}
func (Answer) isSignalPayload()       {}
func (IceCandidate) isSignalPayload() {}

// Signal is an immutable message exchanged during negotiation
type Signal struct {
	ID        string
	SessionID string
	SenderID  string
	Payload   SignalPayload
	CreatedAt time.Time
}

// Type returns the payload kind, or "" when the payload is missing
func (s Signal) Type() SignalType {
	if s.Payload == nil {
		return ""
	}
	return s.Payload.SignalType()
}

// Validate checks that the signal is complete
func (s Signal) Validate() error {
	if s.SessionID == "" || s.SenderID == "" {
		return errors.New("signal requires session and sender")
	}
	switch p := s.Payload.(type) {
	case Offer:
		if p.SDP == "" {
			return errors.New("offer requires sdp")
		}
	case Answer:
		if p.SDP == "" {
			return errors.New("answer requires sdp")
		}
	case IceCandidate:
		if p.Candidate == "" {
			return errors.New("ice candidate requires candidate")
		}
	default:
		return errors.New("signal payload is missing")
	}
	return nil
}

type signalJSON struct {
	ID        string        `json:"id,omitempty"`
	SessionID string        `json:"session_id"`
	SenderID  string        `json:"sender_id"`
	Type      SignalType    `json:"type"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *IceCandidate `json:"candidate,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// MarshalJSON flattens the payload next to the envelope fields
func (s Signal) MarshalJSON() ([]byte, error) {
	out := signalJSON{
		ID:        s.ID,
		SessionID: s.SessionID,
		SenderID:  s.SenderID,
		Type:      s.Type(),
		CreatedAt: s.CreatedAt,
	}
	switch p := s.Payload.(type) {
	case Offer:
		out.SDP = p.SDP
	case Answer:
		out.SDP = p.SDP
	case IceCandidate:
		c := p
		out.Candidate = &c
	default:
		return nil, errors.New("signal payload is missing")
	}
	return json.Marshal(out)
}

// UnmarshalJSON rebuilds the tagged payload
func (s *Signal) UnmarshalJSON(data []byte) error {
	var in signalJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	payload, err := NewSignalPayload(in.Type, in.SDP, in.Candidate)
	if err != nil {
		return err
	}
	*s = Signal{
		ID:        in.ID,
		SessionID: in.SessionID,
		SenderID:  in.SenderID,
		Payload:   payload,
		CreatedAt: in.CreatedAt,
	}
	return nil
}

// NewSignalPayload builds a payload from its flattened storage form
func NewSignalPayload(t SignalType, sdp string, candidate *IceCandidate) (SignalPayload, error) {
	switch t {
	case SignalOffer:
		return Offer{SDP: sdp}, nil
	case SignalAnswer:
		return Answer{SDP: sdp}, nil
	case SignalIceCandidate:
		if candidate == nil {
			return nil, errors.New("ice candidate payload is missing")
		}
		return *candidate, nil
	}
	return nil, fmt.Errorf("unknown signal type %q", t)
}

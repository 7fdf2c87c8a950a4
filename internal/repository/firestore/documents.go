package firestore

import (
	"fmt"
	"time"

	fs "cloud.google.com/go/firestore"

	"secureconnect-callcore/internal/domain"
)

// callDoc is the calls/{id} document. Times are epoch milliseconds and a
// zero endTime means the call has not ended.
type callDoc struct {
	ID             string   `firestore:"id"`
	ConversationID string   `firestore:"conversationId"`
	CallerID       string   `firestore:"callerId"`
	ReceiverID     string   `firestore:"receiverId"`
	Type           string   `firestore:"type"`
	Status         string   `firestore:"status"`
	StartTime      int64    `firestore:"startTime"`
	EndTime        int64    `firestore:"endTime"`
	Duration       int64    `firestore:"duration"`
	Participants   []string `firestore:"participants"`
}

// signalDoc is the calls/{id}/signals/{id} document
type signalDoc struct {
	ID           string                 `firestore:"id"`
	CallID       string                 `firestore:"callId"`
	SenderID     string                 `firestore:"senderId"`
	Type         string                 `firestore:"type"`
	SDP          string                 `firestore:"sdp,omitempty"`
	IceCandidate map[string]interface{} `firestore:"iceCandidate,omitempty"`
	Timestamp    int64                  `firestore:"timestamp"`
}

func toCallDoc(s domain.CallSession) callDoc {
	d := callDoc{
		ID:             s.ID,
		ConversationID: s.ConversationID,
		CallerID:       s.InitiatorID,
		ReceiverID:     s.TargetID,
		Type:           string(s.Kind),
		Status:         string(s.Status),
		StartTime:      s.StartTime.UnixMilli(),
		Duration:       s.DurationSeconds,
		Participants:   []string{s.InitiatorID, s.TargetID},
	}
	if s.EndTime != nil {
		d.EndTime = s.EndTime.UnixMilli()
	}
	return d
}

func fromCallDoc(id string, d callDoc) domain.CallSession {
	s := domain.CallSession{
		ID:              id,
		InitiatorID:     d.CallerID,
		TargetID:        d.ReceiverID,
		ConversationID:  d.ConversationID,
		Kind:            domain.CallKind(d.Type),
		Status:          domain.CallStatus(d.Status),
		StartTime:       time.UnixMilli(d.StartTime).UTC(),
		DurationSeconds: d.Duration,
	}
	if s.Kind == "" {
		s.Kind = domain.CallKindVoice
	}
	if d.EndTime > 0 {
		end := time.UnixMilli(d.EndTime).UTC()
		s.EndTime = &end
	}
	return s
}

func decodeCall(snap *fs.DocumentSnapshot) (*domain.CallSession, error) {
	var d callDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode call %s: %w", snap.Ref.ID, err)
	}
	s := fromCallDoc(snap.Ref.ID, d)
	return &s, nil
}

func statusUpdates(u domain.StatusUpdate) []fs.Update {
	updates := []fs.Update{{Path: "status", Value: string(u.Status)}}
	if u.EndTime != nil {
		updates = append(updates,
			fs.Update{Path: "endTime", Value: u.EndTime.UnixMilli()},
			fs.Update{Path: "duration", Value: *u.DurationSeconds},
		)
	}
	return updates
}

func toSignalDoc(s domain.Signal) signalDoc {
	d := signalDoc{
		ID:        s.ID,
		CallID:    s.SessionID,
		SenderID:  s.SenderID,
		Type:      string(s.Type()),
		Timestamp: s.CreatedAt.UnixMilli(),
	}
	switch p := s.Payload.(type) {
	case domain.Offer:
		d.SDP = p.SDP
	case domain.Answer:
		d.SDP = p.SDP
	case domain.IceCandidate:
		d.IceCandidate = map[string]interface{}{
			"candidate":     p.Candidate,
			"sdpMid":        p.SDPMid,
			"sdpMLineIndex": int64(p.SDPMLineIndex),
		}
	}
	return d
}

func fromSignalDoc(id, sessionID string, d signalDoc) (domain.Signal, error) {
	var candidate *domain.IceCandidate
	if d.Type == string(domain.SignalIceCandidate) {
		c, err := candidateFromMap(d.IceCandidate)
		if err != nil {
			return domain.Signal{}, err
		}
		candidate = &c
	}
	payload, err := domain.NewSignalPayload(domain.SignalType(d.Type), d.SDP, candidate)
	if err != nil {
		return domain.Signal{}, err
	}
	if d.CallID != "" {
		sessionID = d.CallID
	}
	return domain.Signal{
		ID:        id,
		SessionID: sessionID,
		SenderID:  d.SenderID,
		Payload:   payload,
		CreatedAt: time.UnixMilli(d.Timestamp).UTC(),
	}, nil
}

func candidateFromMap(m map[string]interface{}) (domain.IceCandidate, error) {
	var c domain.IceCandidate
	c.Candidate, _ = m["candidate"].(string)
	if c.Candidate == "" {
		return c, fmt.Errorf("ice candidate is missing")
	}
	c.SDPMid, _ = m["sdpMid"].(string)
	// clients write the index as int or double depending on platform
	switch v := m["sdpMLineIndex"].(type) {
	case int64:
		c.SDPMLineIndex = int(v)
	case int:
		c.SDPMLineIndex = v
	case float64:
		c.SDPMLineIndex = int(v)
	}
	return c, nil
}

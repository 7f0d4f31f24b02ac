package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meetlink/meetlink/internal/domain"
)

var (
	ErrEmptySender = errors.New("message sender empty")
	ErrUnknownType = errors.New("unknown signal type")
)

// wireMessage mirrors the relay's JSON envelope:
//
//	{"sender": "...", "receiver": "..."?, "data": {"type": ..., "sdp"?, "candidate"?}}
type wireMessage struct {
	Sender   string  `json:"sender"`
	Receiver string  `json:"receiver,omitempty"`
	Data     Payload `json:"data"`
}

// Decode parses one wire frame. A frame with a candidate field is a
// candidate signal regardless of its type field; otherwise the type field
// selects the kind. Anything else is a decode error and the caller drops
// the frame without state change.
func Decode(raw []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("decode signal: %w", err)
	}
	if w.Sender == "" {
		return Message{}, ErrEmptySender
	}

	m := Message{
		Sender:   domain.ParticipantID(w.Sender),
		Receiver: domain.ParticipantID(w.Receiver),
		Payload:  w.Data,
	}
	switch {
	case len(w.Data.Candidate) > 0:
		m.Kind = KindCandidate
	case w.Data.Type == "join":
		m.Kind = KindJoin
	case w.Data.Type == "offer":
		m.Kind = KindOffer
	case w.Data.Type == "answer":
		m.Kind = KindAnswer
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, w.Data.Type)
	}
	return m, nil
}

// Encode renders the wire frame. Receiver is omitted for broadcasts.
func Encode(m Message) ([]byte, error) {
	if m.Sender == "" {
		return nil, ErrEmptySender
	}
	w := wireMessage{
		Sender:   string(m.Sender),
		Receiver: string(m.Receiver),
		Data:     m.Payload,
	}
	if w.Data.Type == "" && m.Kind != KindCandidate {
		w.Data.Type = m.Kind.String()
	}
	return json.Marshal(w)
}

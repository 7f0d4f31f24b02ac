// Package signaling defines the wire shape of negotiation messages relayed
// between participants and the pure codec for it. Nothing here holds state.
package signaling

import (
	"encoding/json"

	"github.com/meetlink/meetlink/internal/domain"
)

// Kind identifies the kind of signaling message.
type Kind int

const (
	KindJoin Kind = iota
	KindOffer
	KindAnswer
	KindCandidate
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	case KindCandidate:
		return "candidate"
	}
	return "unknown"
}

// Payload carries the negotiation data itself. It is opaque to the
// coordinator: only the peer link interprets SDP and candidate contents.
type Payload struct {
	Type      string          `json:"type,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Message is one relayed negotiation exchange. Receiver empty means
// broadcast; filtering happens at each receiver since the relay fans out
// every message to all session subscribers.
type Message struct {
	Sender   domain.ParticipantID
	Receiver domain.ParticipantID
	Kind     Kind
	Payload  Payload
}

// Broadcast reports whether the message is addressed to every subscriber.
func (m Message) Broadcast() bool { return m.Receiver == "" }

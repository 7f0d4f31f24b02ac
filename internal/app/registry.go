package app

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/meetlink/meetlink/internal/core"
	"github.com/meetlink/meetlink/internal/domain"
)

var ErrPeerExists = errors.New("peer entry already exists")

// Direction records which side produced the offer for this link.
type Direction int

const (
	Initiator Direction = iota
	Responder
)

func (d Direction) String() string {
	if d == Initiator {
		return "initiator"
	}
	return "responder"
}

// EntryStatus is the negotiation state of one peer entry. Transitions follow
// an explicit table instead of implicit callback ordering:
// Pending -> OfferExchanged -> Connected, and any state -> Closed.
type EntryStatus int

const (
	StatusPending EntryStatus = iota
	StatusOfferExchanged
	StatusConnected
	StatusClosed
)

func (s EntryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOfferExchanged:
		return "offer_exchanged"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// CanTransition reports whether the move is allowed by the table.
func (s EntryStatus) CanTransition(to EntryStatus) bool {
	if to == StatusClosed {
		return true
	}
	switch s {
	case StatusPending:
		return to == StatusOfferExchanged
	case StatusOfferExchanged:
		return to == StatusConnected
	}
	return false
}

// PeerEntry pairs one remote participant with its owned link. The registry
// exclusively owns every entry; no entry outlives its session.
type PeerEntry struct {
	Peer      domain.ParticipantID
	Link      core.PeerLink
	Direction Direction
	Status    EntryStatus
}

// Advance applies a status transition, refusing moves the table forbids.
// A refused move leaves the entry unchanged.
func (e *PeerEntry) Advance(to EntryStatus) bool {
	if e.Status == to {
		return true
	}
	if !e.Status.CanTransition(to) {
		log.Warn().Str("module", "app.registry").Str("peer", string(e.Peer)).
			Str("from", e.Status.String()).Str("to", to.String()).Msg("refused status transition")
		return false
	}
	e.Status = to
	return true
}

// PeerRegistry is the identity-keyed owner of peer entries for one session.
// It is NOT internally synchronized: the coordinator confines all access
// behind its per-session lock.
type PeerRegistry struct {
	entries map[domain.ParticipantID]*PeerEntry
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{entries: make(map[domain.ParticipantID]*PeerEntry)}
}

func (r *PeerRegistry) Get(id domain.ParticipantID) (*PeerEntry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// Put enforces at-most-one-entry at the point of insertion: a second entry
// for the same identity is rejected, never overwritten.
func (r *PeerRegistry) Put(id domain.ParticipantID, e *PeerEntry) error {
	if _, ok := r.entries[id]; ok {
		return ErrPeerExists
	}
	r.entries[id] = e
	log.Info().Str("module", "app.registry").Str("peer", string(id)).
		Str("direction", e.Direction.String()).Msg("peer entry added")
	return nil
}

func (r *PeerRegistry) Remove(id domain.ParticipantID) {
	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("peer entry removed")
}

// All returns a snapshot; iteration order is unspecified.
func (r *PeerRegistry) All() []*PeerEntry {
	out := make([]*PeerEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func (r *PeerRegistry) Len() int { return len(r.entries) }

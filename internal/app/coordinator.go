package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meetlink/meetlink/internal/core"
	"github.com/meetlink/meetlink/internal/domain"
	"github.com/meetlink/meetlink/internal/signaling"
)

var ErrAlreadyStarted = errors.New("coordinator already started")

// Coordinator turns the session's unordered, possibly-duplicated broadcast
// signal stream into one deduplicated link state machine per remote
// participant. Topology is role-gated: the Host initiates toward every Join
// announcer, Guests only announce and answer, so the session forms a hub
// around the Host rather than a mesh.
//
// A per-session exclusive lock serializes HandleMessage, link events and
// Leave; the registry itself is unsynchronized and confined behind it.
type Coordinator struct {
	sess  domain.Session
	bus   core.SignalBus
	links core.PeerLinkFactory
	media core.MediaSource

	mu        sync.Mutex
	reg       *PeerRegistry
	started   bool
	left      bool
	ctx       context.Context
	subCancel context.CancelFunc

	onPeerTrack func(peer domain.ParticipantID, track *webrtc.TrackRemote)
}

func NewCoordinator(sess domain.Session, bus core.SignalBus, links core.PeerLinkFactory, media core.MediaSource) *Coordinator {
	return &Coordinator{
		sess:  sess,
		bus:   bus,
		links: links,
		media: media,
		reg:   NewPeerRegistry(),
	}
}

// OnPeerTrack registers an optional remote-media callback. Must be called
// before Start.
func (c *Coordinator) OnPeerTrack(fn func(peer domain.ParticipantID, track *webrtc.TrackRemote)) {
	c.onPeerTrack = fn
}

// Start subscribes to the session topic and, for a Guest, announces
// presence. The Host announces nothing: it waits for Join messages.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	subCtx, cancel := context.WithCancel(ctx)
	c.ctx = subCtx
	c.subCancel = cancel
	c.mu.Unlock()

	c.bus.OnTransportError(func(err error) {
		log.Warn().Err(err).Str("module", "app.coordinator").
			Str("session", string(c.sess.ID)).Msg("relay transport error")
	})
	// Existing links keep negotiating across a relay outage; only the Join
	// announcement is repeated, and the Host's dedup makes that harmless.
	c.bus.OnReconnected(func() {
		log.Info().Str("module", "app.coordinator").Str("session", string(c.sess.ID)).Msg("relay reconnected")
		c.mu.Lock()
		left := c.left
		c.mu.Unlock()
		if !left && c.sess.Self.Role == domain.RoleGuest {
			c.announceJoin()
		}
	})

	if err := c.bus.Subscribe(subCtx, c.sess.ID, c.HandleMessage); err != nil {
		cancel()
		return fmt.Errorf("subscribe session %s: %w", c.sess.ID, err)
	}
	log.Info().Str("module", "app.coordinator").Str("session", string(c.sess.ID)).
		Str("self", string(c.sess.Self.ID)).Str("role", c.sess.Self.Role.String()).Msg("coordinator started")

	if c.sess.Self.Role == domain.RoleGuest {
		c.announceJoin()
	}
	return nil
}

func (c *Coordinator) announceJoin() {
	msg := signaling.Message{
		Sender:  c.sess.Self.ID,
		Kind:    signaling.KindJoin,
		Payload: signaling.Payload{Type: "join"},
	}
	if err := c.bus.Publish(c.sess.ID, msg); err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Msg("join announcement failed")
	}
}

// HandleMessage applies one decoded relay message. Self-echoes, messages
// addressed to someone else, and stale signals for unknown peers are all
// dropped without state change; none of them is an error.
func (c *Coordinator) HandleMessage(msg signaling.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.left {
		return
	}
	if msg.Sender == c.sess.Self.ID {
		return
	}
	if !msg.Broadcast() && msg.Receiver != c.sess.Self.ID {
		return
	}

	switch msg.Kind {
	case signaling.KindJoin:
		c.handleJoin(msg.Sender)
	case signaling.KindOffer:
		c.handleOffer(msg.Sender, msg.Payload)
	case signaling.KindAnswer:
		c.handleAnswer(msg.Sender, msg.Payload)
	case signaling.KindCandidate:
		c.handleCandidate(msg.Sender, msg.Payload)
	}
}

// handleJoin: only the Host reacts, and only for identities it has not seen.
// A duplicate Join (relay redelivery, guest reconnect) is a no-op.
func (c *Coordinator) handleJoin(peer domain.ParticipantID) {
	if c.sess.Self.Role != domain.RoleHost {
		return
	}
	if _, ok := c.reg.Get(peer); ok {
		log.Debug().Str("module", "app.coordinator").Str("peer", string(peer)).Msg("duplicate join ignored")
		return
	}
	if _, err := c.createPeer(peer, Initiator); err != nil {
		log.Error().Err(err).Str("module", "app.coordinator").Str("peer", string(peer)).Msg("initiate toward joiner")
	}
}

func (c *Coordinator) handleOffer(peer domain.ParticipantID, p signaling.Payload) {
	entry, ok := c.reg.Get(peer)
	if !ok {
		e, err := c.createPeer(peer, Responder)
		if err != nil {
			log.Error().Err(err).Str("module", "app.coordinator").Str("peer", string(peer)).Msg("respond to offer")
			return
		}
		entry = e
	} else if entry.Status != StatusPending {
		// Never a second entry for the same peer; a duplicate offer is only
		// reapplied while the first one is still unanswered.
		log.Debug().Str("module", "app.coordinator").Str("peer", string(peer)).
			Str("status", entry.Status.String()).Msg("duplicate offer ignored")
		return
	}
	if err := entry.Link.Signal(p); err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Str("peer", string(peer)).Msg("apply offer")
	}
}

func (c *Coordinator) handleAnswer(peer domain.ParticipantID, p signaling.Payload) {
	entry, ok := c.reg.Get(peer)
	if !ok {
		// Normal out-of-order race: the matching offer never made it here.
		log.Debug().Str("module", "app.coordinator").Str("peer", string(peer)).Msg("answer for unknown peer dropped")
		return
	}
	if err := entry.Link.Signal(p); err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Str("peer", string(peer)).Msg("apply answer")
		return
	}
	entry.Advance(StatusOfferExchanged)
}

func (c *Coordinator) handleCandidate(peer domain.ParticipantID, p signaling.Payload) {
	entry, ok := c.reg.Get(peer)
	if !ok {
		log.Debug().Str("module", "app.coordinator").Str("peer", string(peer)).Msg("candidate for unknown peer dropped")
		return
	}
	// Candidates legitimately arrive before or after the answer; the link
	// buffers early ones itself.
	if err := entry.Link.Signal(p); err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Str("peer", string(peer)).Msg("apply candidate")
	}
}

// createPeer allocates the entry and its link. Caller holds c.mu; link
// callbacks come from engine goroutines, never out of this stack.
func (c *Coordinator) createPeer(peer domain.ParticipantID, dir Direction) (*PeerEntry, error) {
	link, err := c.links.New(dir == Initiator, c.media)
	if err != nil {
		return nil, fmt.Errorf("new peer link: %w", err)
	}
	entry := &PeerEntry{Peer: peer, Link: link, Direction: dir, Status: StatusPending}

	link.OnLocalSignal(func(p signaling.Payload) { c.publishLocalSignal(peer, p) })
	link.OnConnected(func() { c.markConnected(peer) })
	link.OnClosed(func() { c.handleLinkClosed(peer) })
	if c.onPeerTrack != nil {
		link.OnRemoteTrack(func(track *webrtc.TrackRemote) { c.onPeerTrack(peer, track) })
	}

	if err := c.reg.Put(peer, entry); err != nil {
		link.Close()
		return nil, err
	}
	if err := link.Start(c.ctx); err != nil {
		c.reg.Remove(peer)
		link.Close()
		return nil, fmt.Errorf("start peer link: %w", err)
	}
	return entry, nil
}

// publishLocalSignal wraps a link-produced payload and sends it to the peer.
// Links invoke it from their own goroutines (per the PeerLink contract),
// never from inside a HandleMessage stack, so taking c.mu here is safe.
func (c *Coordinator) publishLocalSignal(peer domain.ParticipantID, p signaling.Payload) {
	msg := signaling.Message{Sender: c.sess.Self.ID, Receiver: peer, Payload: p}
	switch {
	case len(p.Candidate) > 0:
		msg.Kind = signaling.KindCandidate
	case p.Type == "answer":
		msg.Kind = signaling.KindAnswer
		c.markAnswered(peer)
	default:
		msg.Kind = signaling.KindOffer
	}
	if err := c.bus.Publish(c.sess.ID, msg); err != nil {
		// Loss is accepted during relay outages; the peer link keeps its
		// state and later candidates may still complete the exchange.
		log.Warn().Err(err).Str("module", "app.coordinator").Str("peer", string(peer)).
			Str("kind", msg.Kind.String()).Msg("publish local signal failed")
	}
}

func (c *Coordinator) markAnswered(peer domain.ParticipantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.reg.Get(peer); ok {
		entry.Advance(StatusOfferExchanged)
	}
}

func (c *Coordinator) markConnected(peer domain.ParticipantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.reg.Get(peer); ok {
		entry.Advance(StatusConnected)
		log.Info().Str("module", "app.coordinator").Str("peer", string(peer)).Msg("peer connected")
	}
}

// handleLinkClosed reacts to a link closing on its own (negotiation failure,
// remote hangup). The failure stays local to this peer.
func (c *Coordinator) handleLinkClosed(peer domain.ParticipantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.reg.Get(peer)
	if !ok {
		return
	}
	entry.Advance(StatusClosed)
	c.reg.Remove(peer)
	log.Info().Str("module", "app.coordinator").Str("peer", string(peer)).Msg("peer link closed")
}

// Leave tears the session down: every link is closed (one peer's failure
// never blocks the others'), the registry is cleared, the subscription and
// bus are released, and only then is the shared media source stopped.
// Idempotent; safe to call any number of times.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}
	c.left = true
	entries := c.reg.All()
	c.reg = NewPeerRegistry()
	subCancel := c.subCancel
	c.mu.Unlock()

	for _, e := range entries {
		closeLink(e)
	}
	if subCancel != nil {
		subCancel()
	}
	if err := c.bus.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Msg("bus close")
	}
	if c.media != nil {
		c.media.Stop()
	}
	log.Info().Str("module", "app.coordinator").Str("session", string(c.sess.ID)).Msg("left session")
}

// closeLink isolates teardown of one peer so a panicking engine cannot stop
// the remaining links from being released.
func closeLink(e *PeerEntry) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "app.coordinator").Str("peer", string(e.Peer)).
				Interface("panic", r).Msg("peer link close panicked")
		}
	}()
	e.Status = StatusClosed
	e.Link.Close()
}

// PeerInfo is a read-only snapshot row for the status endpoint and CLI.
type PeerInfo struct {
	Peer      domain.ParticipantID `json:"peer"`
	Direction string               `json:"direction"`
	Status    string               `json:"status"`
}

func (c *Coordinator) Peers() []PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerInfo, 0, c.reg.Len())
	for _, e := range c.reg.All() {
		out = append(out, PeerInfo{Peer: e.Peer, Direction: e.Direction.String(), Status: e.Status.String()})
	}
	return out
}

// Session exposes the session meta for read-only consumers.
func (c *Coordinator) Session() domain.Session { return c.sess }

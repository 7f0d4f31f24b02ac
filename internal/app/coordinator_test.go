package app

import (
	"context"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/meetlink/meetlink/internal/core"
	"github.com/meetlink/meetlink/internal/domain"
	"github.com/meetlink/meetlink/internal/signaling"
)

type fakeLink struct {
	started  bool
	signals  []signaling.Payload
	closes   int
	panicky  bool
	onLocal  func(signaling.Payload)
	onConn   func()
	onClosed func()
}

func (l *fakeLink) Start(ctx context.Context) error { l.started = true; return nil }
func (l *fakeLink) Signal(p signaling.Payload) error {
	l.signals = append(l.signals, p)
	return nil
}
func (l *fakeLink) OnLocalSignal(fn func(signaling.Payload))   { l.onLocal = fn }
func (l *fakeLink) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {}
func (l *fakeLink) OnConnected(fn func())                      { l.onConn = fn }
func (l *fakeLink) OnClosed(fn func())                         { l.onClosed = fn }
func (l *fakeLink) Close() {
	l.closes++
	if l.panicky {
		panic("engine teardown failure")
	}
}

type fakeFactory struct {
	links      []*fakeLink
	initiators []bool
}

func (f *fakeFactory) New(initiator bool, _ core.MediaSource) (core.PeerLink, error) {
	l := &fakeLink{}
	f.links = append(f.links, l)
	f.initiators = append(f.initiators, initiator)
	return l, nil
}

type fakeBus struct {
	mu          sync.Mutex
	published   []signaling.Message
	closes      int
	onReconnect func()
}

func (b *fakeBus) Subscribe(ctx context.Context, sid domain.SessionID, onMessage func(signaling.Message)) error {
	return nil
}
func (b *fakeBus) Publish(sid domain.SessionID, msg signaling.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	return nil
}
func (b *fakeBus) OnTransportError(fn func(error)) {}
func (b *fakeBus) OnReconnected(fn func())         { b.onReconnect = fn }
func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

func (b *fakeBus) messages() []signaling.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]signaling.Message, len(b.published))
	copy(out, b.published)
	return out
}

type fakeMedia struct{ stops int }

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }
func (m *fakeMedia) Stop()                       { m.stops++ }

func newTestCoordinator(t *testing.T, role domain.Role) (*Coordinator, *fakeBus, *fakeFactory, *fakeMedia) {
	t.Helper()
	self := domain.Participant{ID: "me@example.com", Role: role}
	sess := domain.Session{ID: "sess-1", Title: "test", Self: self}
	b := &fakeBus{}
	f := &fakeFactory{}
	m := &fakeMedia{}
	c := NewCoordinator(sess, b, f, m)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	return c, b, f, m
}

func join(sender string) signaling.Message {
	return signaling.Message{
		Sender:  domain.ParticipantID(sender),
		Kind:    signaling.KindJoin,
		Payload: signaling.Payload{Type: "join"},
	}
}

func offer(sender, receiver string) signaling.Message {
	return signaling.Message{
		Sender:   domain.ParticipantID(sender),
		Receiver: domain.ParticipantID(receiver),
		Kind:     signaling.KindOffer,
		Payload:  signaling.Payload{Type: "offer", SDP: "v=0..."},
	}
}

func TestGuestAnnouncesJoinOnStart(t *testing.T) {
	_, b, _, _ := newTestCoordinator(t, domain.RoleGuest)
	msgs := b.messages()
	if len(msgs) != 1 || msgs[0].Kind != signaling.KindJoin {
		t.Fatalf("expected a single join announcement, got %+v", msgs)
	}
	if !msgs[0].Broadcast() {
		t.Fatalf("join must be broadcast")
	}
}

func TestHostAnnouncesNothingOnStart(t *testing.T) {
	_, b, _, _ := newTestCoordinator(t, domain.RoleHost)
	if len(b.messages()) != 0 {
		t.Fatalf("host must not announce, got %+v", b.messages())
	}
}

func TestSelfEchoNeverMutatesRegistry(t *testing.T) {
	c, _, f, _ := newTestCoordinator(t, domain.RoleHost)
	for _, kind := range []signaling.Kind{signaling.KindJoin, signaling.KindOffer, signaling.KindAnswer, signaling.KindCandidate} {
		c.HandleMessage(signaling.Message{Sender: "me@example.com", Kind: kind})
	}
	if len(c.Peers()) != 0 || len(f.links) != 0 {
		t.Fatalf("self echo created state: peers=%v links=%d", c.Peers(), len(f.links))
	}
}

func TestMisaddressedMessageNeverMutatesRegistry(t *testing.T) {
	c, b, f, _ := newTestCoordinator(t, domain.RoleHost)
	c.HandleMessage(offer("s1", "someone-else"))
	if len(c.Peers()) != 0 || len(f.links) != 0 {
		t.Fatalf("misaddressed offer created state")
	}
	if len(b.messages()) != 0 {
		t.Fatalf("misaddressed offer produced output: %+v", b.messages())
	}
}

func TestHostInitiatesOnJoin(t *testing.T) {
	c, b, f, _ := newTestCoordinator(t, domain.RoleHost)
	c.HandleMessage(join("s1"))

	peers := c.Peers()
	if len(peers) != 1 || peers[0].Peer != "s1" || peers[0].Direction != "initiator" {
		t.Fatalf("expected one initiator entry for s1, got %+v", peers)
	}
	if len(f.links) != 1 || !f.initiators[0] || !f.links[0].started {
		t.Fatalf("expected one started initiator link")
	}

	// Engine produces the offer; the coordinator wraps and publishes it.
	f.links[0].onLocal(signaling.Payload{Type: "offer", SDP: "v=0..."})
	msgs := b.messages()
	if len(msgs) != 1 || msgs[0].Kind != signaling.KindOffer {
		t.Fatalf("expected one outbound offer, got %+v", msgs)
	}
	if msgs[0].Sender != "me@example.com" || msgs[0].Receiver != "s1" {
		t.Fatalf("offer misaddressed: %+v", msgs[0])
	}
}

func TestDuplicateJoinKeepsSingleEntryAndSingleOffer(t *testing.T) {
	c, b, f, _ := newTestCoordinator(t, domain.RoleHost)
	c.HandleMessage(join("s1"))
	c.HandleMessage(join("s1"))

	if len(c.Peers()) != 1 {
		t.Fatalf("expected exactly one entry, got %+v", c.Peers())
	}
	if len(f.links) != 1 {
		t.Fatalf("duplicate join created a second link")
	}
	f.links[0].onLocal(signaling.Payload{Type: "offer", SDP: "v=0..."})
	if got := len(b.messages()); got != 1 {
		t.Fatalf("expected one offer ever emitted, got %d", got)
	}
}

func TestGuestIgnoresJoins(t *testing.T) {
	c, b, f, _ := newTestCoordinator(t, domain.RoleGuest)
	before := len(b.messages()) // the coordinator's own announcement
	c.HandleMessage(join("s2"))
	if len(c.Peers()) != 0 || len(f.links) != 0 {
		t.Fatalf("guest must not react to joins")
	}
	if len(b.messages()) != before {
		t.Fatalf("guest emitted output on join")
	}
}

func TestOfferCreatesResponderAndYieldsAnswer(t *testing.T) {
	c, b, f, _ := newTestCoordinator(t, domain.RoleGuest)
	c.HandleMessage(offer("host@example.com", "me@example.com"))

	peers := c.Peers()
	if len(peers) != 1 || peers[0].Direction != "responder" {
		t.Fatalf("expected one responder entry, got %+v", peers)
	}
	if len(f.links[0].signals) != 1 || f.links[0].signals[0].Type != "offer" {
		t.Fatalf("offer payload not applied to link: %+v", f.links[0].signals)
	}

	f.links[0].onLocal(signaling.Payload{Type: "answer", SDP: "v=0..."})
	var answers int
	for _, m := range b.messages() {
		if m.Kind == signaling.KindAnswer {
			answers++
			if m.Receiver != "host@example.com" {
				t.Fatalf("answer misaddressed: %+v", m)
			}
		}
	}
	if answers != 1 {
		t.Fatalf("expected exactly one answer, got %d", answers)
	}
	if c.Peers()[0].Status != "offer_exchanged" {
		t.Fatalf("expected offer_exchanged after answering, got %s", c.Peers()[0].Status)
	}
}

func TestDuplicateOfferReappliedOnlyWhilePending(t *testing.T) {
	c, _, f, _ := newTestCoordinator(t, domain.RoleGuest)
	c.HandleMessage(offer("host@example.com", "me@example.com"))
	c.HandleMessage(offer("host@example.com", "me@example.com"))

	link := f.links[0]
	if len(f.links) != 1 {
		t.Fatalf("duplicate offer created a second entry")
	}
	if len(link.signals) != 2 {
		t.Fatalf("pending entry should reapply the offer, got %d signals", len(link.signals))
	}

	// After the answer goes out, further duplicates are ignored.
	link.onLocal(signaling.Payload{Type: "answer", SDP: "v=0..."})
	c.HandleMessage(offer("host@example.com", "me@example.com"))
	if len(link.signals) != 2 {
		t.Fatalf("offer reapplied after answer: %d signals", len(link.signals))
	}
}

func TestStaleAnswerAndCandidateDropped(t *testing.T) {
	c, b, f, _ := newTestCoordinator(t, domain.RoleHost)
	c.HandleMessage(signaling.Message{Sender: "ghost", Kind: signaling.KindAnswer, Payload: signaling.Payload{Type: "answer"}})
	c.HandleMessage(signaling.Message{Sender: "ghost", Kind: signaling.KindCandidate, Payload: signaling.Payload{Candidate: []byte(`{}`)}})

	if len(c.Peers()) != 0 || len(f.links) != 0 {
		t.Fatalf("stale signals mutated registry")
	}
	if len(b.messages()) != 0 {
		t.Fatalf("stale signals produced output")
	}
}

func TestCandidateAppliedRegardlessOfStatus(t *testing.T) {
	c, _, f, _ := newTestCoordinator(t, domain.RoleHost)
	c.HandleMessage(join("s1"))
	link := f.links[0]

	// Candidate before the answer.
	c.HandleMessage(signaling.Message{Sender: "s1", Kind: signaling.KindCandidate, Payload: signaling.Payload{Candidate: []byte(`{"candidate":"a"}`)}})
	c.HandleMessage(signaling.Message{Sender: "s1", Kind: signaling.KindAnswer, Payload: signaling.Payload{Type: "answer", SDP: "v=0..."}})
	// And after.
	c.HandleMessage(signaling.Message{Sender: "s1", Kind: signaling.KindCandidate, Payload: signaling.Payload{Candidate: []byte(`{"candidate":"b"}`)}})

	if len(link.signals) != 3 {
		t.Fatalf("expected 3 applied signals, got %d", len(link.signals))
	}
	if c.Peers()[0].Status != "offer_exchanged" {
		t.Fatalf("answer should advance status, got %s", c.Peers()[0].Status)
	}
}

func TestConnectedStatusOnLinkEvent(t *testing.T) {
	c, _, f, _ := newTestCoordinator(t, domain.RoleHost)
	c.HandleMessage(join("s1"))
	c.HandleMessage(signaling.Message{Sender: "s1", Kind: signaling.KindAnswer, Payload: signaling.Payload{Type: "answer", SDP: "v=0..."}})
	f.links[0].onConn()
	if c.Peers()[0].Status != "connected" {
		t.Fatalf("expected connected, got %s", c.Peers()[0].Status)
	}
}

func TestLinkClosedRemovesOnlyThatPeer(t *testing.T) {
	c, _, f, _ := newTestCoordinator(t, domain.RoleHost)
	c.HandleMessage(join("s1"))
	c.HandleMessage(join("s2"))

	f.links[0].onClosed()
	peers := c.Peers()
	if len(peers) != 1 || peers[0].Peer != "s2" {
		t.Fatalf("expected only s2 to remain, got %+v", peers)
	}
}

func TestLeaveClosesEverythingOnce(t *testing.T) {
	c, b, f, m := newTestCoordinator(t, domain.RoleHost)
	c.HandleMessage(join("s1"))
	c.HandleMessage(join("s2"))

	c.Leave()
	if len(c.Peers()) != 0 {
		t.Fatalf("registry not empty after leave")
	}
	for i, l := range f.links {
		if l.closes != 1 {
			t.Fatalf("link %d closed %d times, want 1", i, l.closes)
		}
	}
	if b.closes != 1 {
		t.Fatalf("bus closed %d times, want 1", b.closes)
	}
	if m.stops != 1 {
		t.Fatalf("media stopped %d times, want 1", m.stops)
	}

	// Second leave is a no-op.
	c.Leave()
	for i, l := range f.links {
		if l.closes != 1 {
			t.Fatalf("link %d closed again on repeated leave", i)
		}
	}
	if b.closes != 1 || m.stops != 1 {
		t.Fatalf("repeated leave re-released resources")
	}
}

func TestLeaveSurvivesPanickingLink(t *testing.T) {
	c, _, f, m := newTestCoordinator(t, domain.RoleHost)
	c.HandleMessage(join("s1"))
	c.HandleMessage(join("s2"))
	f.links[0].panicky = true

	c.Leave()
	if f.links[1].closes != 1 {
		t.Fatalf("second link not closed after first panicked")
	}
	if m.stops != 1 {
		t.Fatalf("media not stopped after a link panicked")
	}
	if len(c.Peers()) != 0 {
		t.Fatalf("registry not empty after leave")
	}
}

func TestMessagesAfterLeaveAreDropped(t *testing.T) {
	c, _, f, _ := newTestCoordinator(t, domain.RoleHost)
	c.Leave()
	c.HandleMessage(join("s1"))
	if len(c.Peers()) != 0 || len(f.links) != 0 {
		t.Fatalf("message after leave mutated state")
	}
}

func TestGuestReannouncesJoinOnReconnect(t *testing.T) {
	c, b, _, _ := newTestCoordinator(t, domain.RoleGuest)
	if b.onReconnect == nil {
		t.Fatalf("reconnect handler not registered")
	}
	b.onReconnect()

	var joins int
	for _, m := range b.messages() {
		if m.Kind == signaling.KindJoin {
			joins++
		}
	}
	if joins != 2 {
		t.Fatalf("expected announce + re-announce, got %d joins", joins)
	}

	// But not after leaving.
	c.Leave()
	before := len(b.messages())
	b.onReconnect()
	if len(b.messages()) != before {
		t.Fatalf("re-announced after leave")
	}
}

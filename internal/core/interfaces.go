// Package core declares the boundaries the coordinator drives. Adapters own
// the underlying resources (peer connections, websockets, capture handles);
// the coordinator only ever sees these interfaces.
package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/meetlink/meetlink/internal/domain"
	"github.com/meetlink/meetlink/internal/signaling"
)

// PeerLink is the per-remote-participant negotiation state machine.
// It wraps the negotiation engine; the coordinator never touches SDP or ICE
// mechanics directly.
//
// Callbacks must be registered before Start. OnClosed fires exactly once,
// after which the link accepts no further signals. Callbacks are invoked
// from the engine's own goroutines, never synchronously from Signal or Close.
type PeerLink interface {
	Start(ctx context.Context) error
	// Signal feeds one remote negotiation payload in. Malformed payloads
	// are logged and returned as errors; they never panic.
	Signal(p signaling.Payload) error
	// OnLocalSignal fires zero or more times with payloads the coordinator
	// must wrap and publish.
	OnLocalSignal(fn func(signaling.Payload))
	// OnRemoteTrack fires when a remote media path is established.
	OnRemoteTrack(fn func(track *webrtc.TrackRemote))
	// OnConnected fires at most once when the link reaches connected state.
	OnConnected(fn func())
	// OnClosed fires exactly once when the link is terminally closed.
	OnClosed(fn func())
	// Close is idempotent; safe after OnClosed has already fired.
	Close()
}

// PeerLinkFactory allocates a link toward one remote participant. The media
// source is shared read-only across every link of the session.
type PeerLinkFactory interface {
	New(initiator bool, media MediaSource) (PeerLink, error)
}

// SignalBus is the typed boundary over the relay transport. It holds no peer
// state; delivery order matches the transport's per-connection order and
// nothing more.
type SignalBus interface {
	// Subscribe begins delivering decoded messages for the session until ctx
	// is done or the bus is closed. At most one subscription per bus.
	Subscribe(ctx context.Context, sid domain.SessionID, onMessage func(signaling.Message)) error
	// Publish is best-effort: it fails immediately while the transport is
	// down. Nothing is queued or replayed.
	Publish(sid domain.SessionID, msg signaling.Message) error
	OnTransportError(fn func(error))
	OnReconnected(fn func())
	Close() error
}

// MediaSource is the capture collaborator's handle. The session owns it and
// stops it on leave, after all peer links have been told to close.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

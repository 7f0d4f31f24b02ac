// Package rtc implements core.PeerLink on top of pion. One Link wraps one
// PeerConnection toward one remote participant; the coordinator never sees
// SDP or ICE types, only opaque signaling payloads.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meetlink/meetlink/internal/core"
	"github.com/meetlink/meetlink/internal/signaling"
)

var ErrUnknownPayload = errors.New("unknown negotiation payload")

// Factory builds links sharing one webrtc.Configuration.
type Factory struct {
	Config webrtc.Configuration
}

func NewFactory(stunServers []string) *Factory {
	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return &Factory{Config: cfg}
}

func (f *Factory) New(initiator bool, media core.MediaSource) (core.PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(f.Config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	if media != nil {
		for _, track := range media.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add local track: %w", err)
			}
		}
	}
	return &Link{
		pc:        pc,
		initiator: initiator,
		emit:      make(chan signaling.Payload, 32),
		done:      make(chan struct{}),
	}, nil
}

// Link emits local signals through a single goroutine so offers and answers
// keep their order relative to trickled candidates, and so no callback ever
// runs synchronously inside Signal or Close.
type Link struct {
	pc        *webrtc.PeerConnection
	initiator bool

	emit chan signaling.Payload
	done chan struct{}

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit // candidates received before the remote description

	onLocalSignal func(signaling.Payload)
	onRemoteTrack func(*webrtc.TrackRemote)
	onConnected   func()
	onClosed      func()

	connectedOnce sync.Once
	closedOnce    sync.Once
	closeOnce     sync.Once
}

func (l *Link) OnLocalSignal(fn func(signaling.Payload))   { l.onLocalSignal = fn }
func (l *Link) OnRemoteTrack(fn func(*webrtc.TrackRemote)) { l.onRemoteTrack = fn }
func (l *Link) OnConnected(fn func())                      { l.onConnected = fn }
func (l *Link) OnClosed(fn func())                         { l.onClosed = fn }

func (l *Link) Start(ctx context.Context) error {
	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		raw, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("marshal candidate")
			return
		}
		l.enqueue(signaling.Payload{Candidate: raw})
	})

	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			l.connectedOnce.Do(func() {
				if l.onConnected != nil {
					l.onConnected()
				}
			})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			l.fireClosed()
		}
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "rtc").Str("kind", track.Kind().String()).
			Str("stream_id", track.StreamID()).Msg("remote track")
		if l.onRemoteTrack != nil {
			l.onRemoteTrack(track)
		}
	})

	go l.emitLoop(ctx)

	if l.initiator {
		offer, err := l.pc.CreateOffer(nil)
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		if err := l.pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("set local offer: %w", err)
		}
		// Trickle: the offer goes out immediately, candidates follow as
		// they are gathered.
		l.enqueue(signaling.Payload{Type: "offer", SDP: offer.SDP})
	}
	return nil
}

// Signal applies one remote negotiation payload. Malformed payloads are
// logged and returned, never panic, and leave the link state untouched.
func (l *Link) Signal(p signaling.Payload) error {
	switch {
	case len(p.Candidate) > 0:
		return l.applyCandidate(p.Candidate)
	case p.Type == "offer":
		return l.applyOffer(p.SDP)
	case p.Type == "answer":
		return l.applyAnswer(p.SDP)
	}
	log.Warn().Str("module", "rtc").Str("type", p.Type).Msg("unknown payload ignored")
	return ErrUnknownPayload
}

func (l *Link) applyOffer(sdp string) error {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	l.flushPending()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	l.enqueue(signaling.Payload{Type: "answer", SDP: answer.SDP})
	return nil
}

func (l *Link) applyAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	l.flushPending()
	return nil
}

// applyCandidate buffers candidates that arrive before the remote
// description; pion rejects them until it is set.
func (l *Link) applyCandidate(raw json.RawMessage) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	l.mu.Lock()
	if l.pc.RemoteDescription() == nil {
		l.pending = append(l.pending, ci)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	if err := l.pc.AddICECandidate(ci); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (l *Link) flushPending() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, ci := range pending {
		if err := l.pc.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("flush buffered candidate")
		}
	}
}

// Close is idempotent. Closing the PeerConnection makes pion report the
// closed state, which fires the closed callback exactly once.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		if err := l.pc.Close(); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("peer connection close")
		}
		// Asynchronous so Close stays safe to call from handler stacks.
		go l.fireClosed()
	})
}

func (l *Link) fireClosed() {
	l.closedOnce.Do(func() {
		if l.onClosed != nil {
			l.onClosed()
		}
	})
}

// enqueue never blocks: a full queue means the consumer is gone, and
// dropping a local signal is no worse than the lossy relay itself.
func (l *Link) enqueue(p signaling.Payload) {
	select {
	case l.emit <- p:
	default:
		log.Warn().Str("module", "rtc").Str("type", p.Type).Msg("local signal dropped, queue full")
	}
}

func (l *Link) emitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case p := <-l.emit:
			if l.onLocalSignal != nil {
				l.onLocalSignal(p)
			}
		}
	}
}

// Package media supplies the session's local media handle. Real device
// capture belongs to an external collaborator; this adapter stands at its
// boundary with pre-built RTP tracks that every peer link of the session
// shares read-only.
package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ErrAcquisition marks a media failure as fatal to session entry, so the
// caller can present it distinctly and offer a retry.
var ErrAcquisition = errors.New("media acquisition failed")

// StaticSource owns one audio and one video track under a shared stream id.
// The session stops it on leave, after all links have closed.
type StaticSource struct {
	tracks   []webrtc.TrackLocal
	stopOnce sync.Once
}

func NewStaticSource(streamID string) (*StaticSource, error) {
	if streamID == "" {
		streamID = uuid.NewString()
	}
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: audio track: %v", ErrAcquisition, err)
	}
	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: video track: %v", ErrAcquisition, err)
	}
	log.Info().Str("module", "media").Str("stream_id", streamID).Msg("local media ready")
	return &StaticSource{tracks: []webrtc.TrackLocal{audio, video}}, nil
}

func (s *StaticSource) Tracks() []webrtc.TrackLocal { return s.tracks }

// Stop is idempotent. Static tracks hold no device handle, so stopping only
// marks the source released.
func (s *StaticSource) Stop() {
	s.stopOnce.Do(func() {
		log.Info().Str("module", "media").Msg("local media stopped")
	})
}

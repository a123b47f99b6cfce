package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	MediaSilence = "silence"
	MediaNone    = "none"
)

// MediaSource supplies the local tracks attached to every peer. Acquire
// starts capture; it satisfies mesh.MediaAcquirer.
type MediaSource interface {
	Acquire(ctx context.Context) error
	Tracks() []pion.TrackLocal
	Close()
}

func NewMediaSource(kind string, log *slog.Logger) (MediaSource, error) {
	switch kind {
	case MediaSilence, "":
		return NewSilenceSource(log)
	case MediaNone:
		return NoMedia(), nil
	default:
		return nil, fmt.Errorf("unknown media source %q", kind)
	}
}

type noMedia struct{}

// NoMedia is a source without tracks: peers only receive.
func NoMedia() MediaSource { return noMedia{} }

func (noMedia) Acquire(context.Context) error { return nil }
func (noMedia) Tracks() []pion.TrackLocal     { return nil }
func (noMedia) Close()                        {}

// opusSilence is a single opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// SilenceSource streams opus silence on one audio track. It stands in for a
// microphone on headless participants so links always carry media.
type SilenceSource struct {
	track *pion.TrackLocalStaticSample
	log   *slog.Logger

	once   sync.Once
	stop   chan struct{}
	closed sync.Once
}

func NewSilenceSource(log *slog.Logger) (*SilenceSource, error) {
	if log == nil {
		log = slog.Default()
	}
	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"meshconf-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}
	return &SilenceSource{
		track: track,
		log:   log,
		stop:  make(chan struct{}),
	}, nil
}

// Acquire starts the frame writer. Calling it again is a no-op.
func (s *SilenceSource) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.once.Do(func() {
		s.log.Debug("silence source started", slog.String("stream_id", s.track.StreamID()))
		go s.write()
	})
	return nil
}

func (s *SilenceSource) Tracks() []pion.TrackLocal {
	return []pion.TrackLocal{s.track}
}

func (s *SilenceSource) Close() {
	s.closed.Do(func() { close(s.stop) })
}

func (s *SilenceSource) write() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// Writes fail only while no peer is bound to the track.
			_ = s.track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration})
		}
	}
}

package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const (
	opusFrame       = 20 * time.Millisecond
	defaultFPS      = 15
	vp8PayloadType  = 96
	vp8ClockRate    = 90000
	syntheticStream = "studio"
)

// Opus TOC byte for a 20 ms CELT frame followed by an empty frame: decoders
// play it as silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Minimal VP8 payload: descriptor with the start bit, then a keyframe tag.
var vp8Frame = []byte{0x10, 0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}

// SyntheticConfig configures a Synthetic device.
type SyntheticConfig struct {
	// StreamID groups camera and microphone into one remote stream.
	StreamID string
	// NoVideo makes every tier return audio only.
	NoVideo bool
	// ScreenLimit ends a screen share on its own after this long; zero
	// keeps it running until released.
	ScreenLimit time.Duration
	Clock       clockwork.Clock
}

// Synthetic is a Device producing generated media: Opus silence and a
// static VP8 frame sequence. It lets a headless participant join a mesh.
type Synthetic struct {
	cfg SyntheticConfig
}

func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.StreamID == "" {
		cfg.StreamID = syntheticStream + "-" + uuid.NewString()
	}
	return &Synthetic{cfg: cfg}
}

func (s *Synthetic) OpenUserMedia(ctx context.Context, c Constraints) ([]Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Width < 0 || c.Height < 0 || c.FrameRate < 0 {
		return nil, ErrInvalidConstraints
	}
	audio, err := newAudioSource(s.cfg.Clock, s.cfg.StreamID)
	if err != nil {
		return nil, err
	}
	out := []Source{audio}
	if !s.cfg.NoVideo {
		video, err := newVideoSource(s.cfg.Clock, "camera", s.cfg.StreamID, c.FrameRate, 0)
		if err != nil {
			audio.Stop()
			return nil, err
		}
		out = append(out, video)
	}
	return out, nil
}

func (s *Synthetic) OpenDisplay(ctx context.Context) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newVideoSource(s.cfg.Clock, "screen", "screen-"+uuid.NewString(), 30, s.cfg.ScreenLimit)
}

// generator is the shared lifecycle of synthetic sources.
type generator struct {
	clock   clockwork.Clock
	enabled atomic.Bool
	stop    chan struct{}
	ended   chan struct{}
	once    sync.Once
	endOnce sync.Once
}

func (g *generator) init(clock clockwork.Clock) {
	g.clock = clock
	g.stop = make(chan struct{})
	g.ended = make(chan struct{})
	g.enabled.Store(true)
}

func (g *generator) SetEnabled(enabled bool) { g.enabled.Store(enabled) }
func (g *generator) Stop()                   { g.once.Do(func() { close(g.stop) }) }
func (g *generator) Ended() <-chan struct{}  { return g.ended }
func (g *generator) end()                    { g.endOnce.Do(func() { close(g.ended) }) }

// loop calls emit every period until stopped. A positive limit ends the
// source on its own.
func (g *generator) loop(period, limit time.Duration, emit func() error) {
	ticker := g.clock.NewTicker(period)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if limit > 0 {
		t := g.clock.NewTimer(limit)
		defer t.Stop()
		deadline = t.Chan()
	}
	for {
		select {
		case <-g.stop:
			return
		case <-deadline:
			g.end()
			return
		case <-ticker.Chan():
			if !g.enabled.Load() {
				continue
			}
			if err := emit(); err != nil {
				log.Debug().Err(err).Str("module", "capture").Msg("synthetic write")
			}
		}
	}
}

type audioSource struct {
	generator
	track *webrtc.TrackLocalStaticSample
}

func newAudioSource(clock clockwork.Clock, streamID string) (*audioSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+uuid.NewString(), streamID,
	)
	if err != nil {
		return nil, err
	}
	a := &audioSource{track: track}
	a.init(clock)
	go a.loop(opusFrame, 0, func() error {
		return a.track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame})
	})
	return a, nil
}

func (a *audioSource) Track() webrtc.TrackLocal { return a.track }

type videoSource struct {
	generator
	track *webrtc.TrackLocalStaticRTP
	seq   uint16
	ts    uint32
}

func newVideoSource(clock clockwork.Clock, label, streamID string, fps int, limit time.Duration) (*videoSource, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: vp8ClockRate},
		label+"-"+uuid.NewString(), streamID,
	)
	if err != nil {
		return nil, err
	}
	if fps <= 0 {
		fps = defaultFPS
	}
	v := &videoSource{track: track}
	v.init(clock)
	step := uint32(vp8ClockRate / fps)
	go v.loop(time.Second/time.Duration(fps), limit, func() error {
		v.seq++
		v.ts += step
		return v.track.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         true,
				PayloadType:    vp8PayloadType,
				SequenceNumber: v.seq,
				Timestamp:      v.ts,
			},
			Payload: vp8Frame,
		})
	})
	return v, nil
}

func (v *videoSource) Track() webrtc.TrackLocal { return v.track }

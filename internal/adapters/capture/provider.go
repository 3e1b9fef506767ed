// Package capture supplies local media tracks to the mesh through a
// Device, trying progressively weaker constraints until one is accepted.
package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/studio/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Tier string

const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
	TierMinimal  Tier = "minimal"
	TierScreen   Tier = "screen"
)

// Constraints are requested from a Device. Zero values leave the choice to
// the device.
type Constraints struct {
	Tier       Tier
	Width      int
	Height     int
	FrameRate  int
	SampleRate int
}

// DefaultTiers mirror the desktop profile of the web client.
var DefaultTiers = []Constraints{
	{Tier: TierPrimary, Width: 1280, Height: 720, FrameRate: 30, SampleRate: 44100},
	{Tier: TierFallback, Width: 640, Height: 480, FrameRate: 15},
	{Tier: TierMinimal},
}

// Source feeds one local track.
type Source interface {
	Track() webrtc.TrackLocal
	SetEnabled(enabled bool)
	Stop()
	// Ended is closed when the source stops on its own.
	Ended() <-chan struct{}
}

// Device opens capture sources.
type Device interface {
	OpenUserMedia(ctx context.Context, c Constraints) ([]Source, error)
	OpenDisplay(ctx context.Context) (Source, error)
}

type entry struct {
	src      Source
	kind     core.VideoSource
	released chan struct{}
}

// Provider implements core.CaptureProvider on top of a Device.
type Provider struct {
	dev   Device
	tiers []Constraints

	mu      sync.Mutex
	sources map[string]*entry
	ended   chan core.TrackEnded
	done    chan struct{}
	once    sync.Once
}

var _ core.CaptureProvider = (*Provider)(nil)

func NewProvider(dev Device, tiers ...Constraints) *Provider {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	return &Provider{
		dev:     dev,
		tiers:   tiers,
		sources: make(map[string]*entry),
		ended:   make(chan core.TrackEnded, 8),
		done:    make(chan struct{}),
	}
}

// AcquireLocal opens camera and microphone with the first tier the device
// accepts. Only the failure of the last tier is returned.
func (p *Provider) AcquireLocal(ctx context.Context) (core.LocalBundle, error) {
	var last *Error
	for _, c := range p.tiers {
		if err := ctx.Err(); err != nil {
			return core.LocalBundle{}, &Error{Cause: CauseAborted, Tier: c.Tier, Err: err}
		}
		sources, err := p.dev.OpenUserMedia(ctx, c)
		if err != nil {
			last = wrap(c.Tier, err)
			log.Warn().Str("module", "capture").Str("tier", string(c.Tier)).Str("cause", string(last.Cause)).Err(err).Msg("constraints failed")
			if last.Cause == CauseAborted {
				return core.LocalBundle{}, last
			}
			continue
		}

		b := core.LocalBundle{}
		for _, src := range sources {
			t := src.Track()
			switch t.Kind() {
			case webrtc.RTPCodecTypeAudio:
				b.Audio, b.AudioEnabled = t, true
				p.track(src, core.SourceNone)
			case webrtc.RTPCodecTypeVideo:
				b.Video, b.VideoEnabled, b.VideoSource = t, true, core.SourceCamera
				p.track(src, core.SourceCamera)
			default:
				src.Stop()
			}
		}
		log.Info().Str("module", "capture").Str("tier", string(c.Tier)).Bool("audio", b.Audio != nil).Bool("video", b.Video != nil).Msg("local media acquired")
		return b, nil
	}
	if last == nil {
		last = &Error{Cause: CauseDeviceMissing, Tier: TierMinimal, Err: ErrDeviceMissing}
	}
	log.Error().Str("module", "capture").Str("cause", string(last.Cause)).Msg("all constraint tiers failed")
	return core.LocalBundle{}, last
}

func (p *Provider) AcquireScreen(ctx context.Context) (webrtc.TrackLocal, error) {
	src, err := p.dev.OpenDisplay(ctx)
	if err != nil {
		ce := wrap(TierScreen, err)
		log.Warn().Str("module", "capture").Str("cause", string(ce.Cause)).Err(err).Msg("screen share failed")
		return nil, ce
	}
	p.track(src, core.SourceScreen)
	log.Info().Str("module", "capture").Str("track_id", src.Track().ID()).Msg("screen share started")
	return src.Track(), nil
}

func (p *Provider) track(src Source, kind core.VideoSource) {
	e := &entry{src: src, kind: kind, released: make(chan struct{})}
	p.mu.Lock()
	p.sources[src.Track().ID()] = e
	p.mu.Unlock()
	go p.watch(e)
}

// watch reports a source that ended by itself. Released sources are not
// reported.
func (p *Provider) watch(e *entry) {
	select {
	case <-e.src.Ended():
	case <-e.released:
		return
	case <-p.done:
		return
	}
	id := e.src.Track().ID()
	p.mu.Lock()
	cur, ok := p.sources[id]
	if ok && cur == e {
		delete(p.sources, id)
	}
	p.mu.Unlock()
	if !ok || cur != e {
		return
	}
	log.Info().Str("module", "capture").Str("track_id", id).Str("source", string(e.kind)).Msg("track ended")
	select {
	case p.ended <- core.TrackEnded{TrackID: id, Source: e.kind}:
	case <-p.done:
	}
}

func (p *Provider) lookup(track webrtc.TrackLocal) (*entry, bool) {
	if track == nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sources[track.ID()]
	return e, ok
}

func (p *Provider) SetEnabled(track webrtc.TrackLocal, enabled bool) {
	if e, ok := p.lookup(track); ok {
		e.src.SetEnabled(enabled)
		log.Debug().Str("module", "capture").Str("track_id", track.ID()).Bool("enabled", enabled).Msg("track toggled")
	}
}

func (p *Provider) Release(track webrtc.TrackLocal) {
	if track == nil {
		return
	}
	p.mu.Lock()
	e, ok := p.sources[track.ID()]
	if ok {
		delete(p.sources, track.ID())
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	close(e.released)
	e.src.Stop()
	log.Debug().Str("module", "capture").Str("track_id", track.ID()).Msg("track released")
}

func (p *Provider) Ended() <-chan core.TrackEnded { return p.ended }

// Active reports how many sources are open.
func (p *Provider) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sources)
}

// Close stops every source without reporting them as ended.
func (p *Provider) Close() {
	p.once.Do(func() {
		close(p.done)
		p.mu.Lock()
		all := p.sources
		p.sources = make(map[string]*entry)
		p.mu.Unlock()
		for _, e := range all {
			close(e.released)
			e.src.Stop()
		}
	})
}

// IsCaptureError reports whether err is an acquisition failure.
func IsCaptureError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

package mesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/studio/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoCapture = errors.New("no capture provider configured")
	ErrNoTrack   = errors.New("no local track of that kind")
)

// ApplyLocalBundleChange makes b the local bundle and updates every open
// connection. Kinds that already have a sender are swapped in place; a kind
// without a sender gets one and triggers a renegotiation.
func (c *Coordinator) ApplyLocalBundleChange(ctx context.Context, b core.LocalBundle) error {
	return c.call(ctx, func() { c.applyBundle(b) })
}

// SetTrackEnabled mutes or unmutes the local track of kind.
func (c *Coordinator) SetTrackEnabled(ctx context.Context, kind webrtc.RTPCodecType, enabled bool) error {
	var err error
	callErr := c.call(ctx, func() {
		b := c.bundle
		switch {
		case b.Track(kind) == nil:
			err = fmt.Errorf("%w: %s", ErrNoTrack, kind)
			return
		case kind == webrtc.RTPCodecTypeAudio:
			b.AudioEnabled = enabled
		default:
			b.VideoEnabled = enabled
		}
		c.applyBundle(b)
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// StartScreenShare acquires a screen track and swaps it in for the camera.
func (c *Coordinator) StartScreenShare(ctx context.Context) error {
	if c.capture == nil {
		return ErrNoCapture
	}
	screen, err := c.capture.AcquireScreen(ctx)
	if err != nil {
		return err
	}
	if err := c.call(ctx, func() { c.beginScreenShare(screen) }); err != nil {
		c.capture.Release(screen)
		return err
	}
	return nil
}

// StopScreenShare restores the camera track saved when sharing started.
func (c *Coordinator) StopScreenShare(ctx context.Context) error {
	return c.call(ctx, func() { c.restoreCamera() })
}

func (c *Coordinator) beginScreenShare(screen webrtc.TrackLocal) {
	var previous webrtc.TrackLocal
	switch c.bundle.VideoSource {
	case core.SourceCamera:
		c.camera = savedVideo{track: c.bundle.Video, enabled: c.bundle.VideoEnabled}
	case core.SourceScreen:
		previous = c.bundle.Video
	}
	c.applyBundle(c.bundle.WithVideo(screen, core.SourceScreen))
	if previous != nil && c.capture != nil {
		c.capture.Release(previous)
	}
	log.Info().Str("module", "mesh").Str("track", screen.ID()).Msg("screen share started")
}

func (c *Coordinator) restoreCamera() {
	if c.bundle.VideoSource != core.SourceScreen {
		return
	}
	screen := c.bundle.Video
	saved := c.camera
	c.camera = savedVideo{}

	next := c.bundle
	if saved.track != nil {
		next = next.WithVideo(saved.track, core.SourceCamera)
		next.VideoEnabled = saved.enabled
	} else {
		next = next.WithVideo(nil, core.SourceNone)
	}
	c.applyBundle(next)
	if c.capture != nil {
		c.capture.Release(screen)
	}
	log.Info().Str("module", "mesh").Bool("camera", saved.track != nil).Msg("screen share stopped")
}

// handleTrackEnded restores the camera when the active screen track ends
// on its own. Signals for any other track are stale.
func (c *Coordinator) handleTrackEnded(ev core.TrackEnded) {
	video := c.bundle.Video
	if ev.Source != core.SourceScreen || c.bundle.VideoSource != core.SourceScreen || video == nil || video.ID() != ev.TrackID {
		log.Debug().Str("module", "mesh").Str("track", ev.TrackID).Msg("stale track-ended signal ignored")
		return
	}
	c.restoreCamera()
}

func (c *Coordinator) applyBundle(b core.LocalBundle) {
	old := c.bundle
	b.Version = old.Version + 1
	c.bundle = b

	if c.capture != nil {
		for _, kind := range core.MediaKinds {
			if t := b.Track(kind); t != nil {
				c.capture.SetEnabled(t, b.Enabled(kind))
			} else if t := old.Track(kind); t != nil {
				// the sender keeps this track, silence it at the source
				c.capture.SetEnabled(t, false)
			}
		}
	}

	for _, p := range c.peers {
		if p.open() {
			c.syncPeer(p, b)
		}
	}
	log.Debug().Str("module", "mesh").Uint64("version", b.Version).Int("peers", len(c.peers)).Msg("local bundle applied")
}

func (c *Coordinator) syncPeer(p *peer, b core.LocalBundle) {
	added := false
	for _, kind := range core.MediaKinds {
		next := b.Track(kind)
		if next == nil {
			continue
		}
		s := p.sender(kind)
		if s == nil {
			if _, err := p.conn.AddTrack(next); err != nil {
				log.Error().Str("module", "mesh").Str("identity", string(p.id)).Str("kind", kind.String()).Err(err).Msg("add track failed")
				continue
			}
			added = true
			continue
		}
		if s.Track() == next {
			continue
		}
		if err := s.ReplaceTrack(next); err != nil {
			log.Error().Str("module", "mesh").Str("identity", string(p.id)).Str("kind", kind.String()).Err(err).Msg("replace track failed")
		}
	}
	if added {
		c.renegotiate(p)
	}
}

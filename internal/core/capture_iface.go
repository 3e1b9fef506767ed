package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// TrackEnded is emitted by a capture provider when a track stops on its
// own (device unplugged, screen share dismissed by the user).
type TrackEnded struct {
	TrackID string
	Source  VideoSource
}

// CaptureProvider supplies local tracks.
type CaptureProvider interface {
	// AcquireLocal returns camera + microphone tracks, trying each
	// constraint tier until one succeeds.
	AcquireLocal(ctx context.Context) (LocalBundle, error)
	// AcquireScreen returns a screen video track.
	AcquireScreen(ctx context.Context) (webrtc.TrackLocal, error)
	// SetEnabled mutes or unmutes a track at the source.
	SetEnabled(track webrtc.TrackLocal, enabled bool)
	// Release stops a track and frees its device.
	Release(track webrtc.TrackLocal)
	Ended() <-chan TrackEnded
}

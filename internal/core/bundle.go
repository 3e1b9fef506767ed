package core

import "github.com/pion/webrtc/v4"

type VideoSource string

const (
	SourceNone   VideoSource = ""
	SourceCamera VideoSource = "camera"
	SourceScreen VideoSource = "screen"
)

// LocalBundle is the set of locally captured tracks currently offered to
// every peer. The coordinator stamps Version when a bundle is applied.
type LocalBundle struct {
	Version      uint64
	Audio        webrtc.TrackLocal
	Video        webrtc.TrackLocal
	VideoSource  VideoSource
	AudioEnabled bool
	VideoEnabled bool
}

// Track returns the bundle track of the given kind, or nil.
func (b LocalBundle) Track(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return b.Audio
	case webrtc.RTPCodecTypeVideo:
		return b.Video
	}
	return nil
}

// Tracks lists present tracks, audio first.
func (b LocalBundle) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, 2)
	if b.Audio != nil {
		out = append(out, b.Audio)
	}
	if b.Video != nil {
		out = append(out, b.Video)
	}
	return out
}

// WithVideo returns a copy of b carrying track as its video.
func (b LocalBundle) WithVideo(track webrtc.TrackLocal, source VideoSource) LocalBundle {
	b.Video = track
	b.VideoSource = source
	b.VideoEnabled = track != nil
	return b
}

// Enabled reports whether the track of kind is unmuted.
func (b LocalBundle) Enabled(kind webrtc.RTPCodecType) bool {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return b.AudioEnabled
	case webrtc.RTPCodecTypeVideo:
		return b.VideoEnabled
	}
	return false
}

// MediaKinds is the fixed set of kinds a bundle can carry.
var MediaKinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}

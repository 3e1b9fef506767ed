package core

import (
	"context"
	"time"

	"github.com/dkeye/studio/internal/domain"
	"github.com/pion/webrtc/v4"
)

// TrackSender is one outbound slot of a media connection.
type TrackSender interface {
	Kind() webrtc.RTPCodecType
	Track() webrtc.TrackLocal
	// ReplaceTrack swaps the outgoing track without renegotiation.
	ReplaceTrack(webrtc.TrackLocal) error
}

// RemoteTrack describes an inbound track surfaced by the connection.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
}

// StatsSnapshot is the subset of transport statistics the health monitor
// consumes. Counters are cumulative since the connection was created.
type StatsSnapshot struct {
	At              time.Time
	PacketsReceived uint64
	PacketsLost     int64
	Jitter          time.Duration
	RoundTripTime   time.Duration
	BytesReceived   uint64
	BytesSent       uint64
}

// MediaConnection is one negotiated media session with a remote identity.
// Implementations must be safe for use from several goroutines.
type MediaConnection interface {
	// CreateOffer creates an offer, applies it locally and returns it.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// AcceptOffer applies a remote offer, creates the answer, applies it
	// locally and returns it. It fails while a local offer is outstanding:
	// there is no rollback.
	AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// ApplyAnswer sets the remote answer.
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error

	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	Senders() []TrackSender

	Stats(ctx context.Context) (StatsSnapshot, error)

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// OnTrack sets a callback invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))

	// Close should stop all underlying media resources.
	Close() error
}

// MediaFactory creates a fresh connection for a remote identity.
type MediaFactory interface {
	NewConnection(remote domain.Identity) (MediaConnection, error)
}

// MediaFactoryFunc adapts a function to MediaFactory.
type MediaFactoryFunc func(remote domain.Identity) (MediaConnection, error)

func (f MediaFactoryFunc) NewConnection(remote domain.Identity) (MediaConnection, error) {
	return f(remote)
}

package core

import (
	"fmt"
	"time"

	"github.com/dkeye/studio/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Quality is an ordered health label; larger is worse.
type Quality int

const (
	QualityExcellent Quality = iota
	QualityGood
	QualityFair
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	}
	return "unknown"
}

func (q Quality) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

func (q *Quality) UnmarshalText(b []byte) error {
	for v := QualityExcellent; v <= QualityPoor; v++ {
		if v.String() == string(b) {
			*q = v
			return nil
		}
	}
	return fmt.Errorf("unknown quality %q", b)
}

// QualityReport is one classified health sample.
type QualityReport struct {
	Quality        Quality       `json:"quality"`
	PacketLossRate float64       `json:"packetLossRate"`
	RoundTripTime  time.Duration `json:"roundTripTime"`
	Jitter         time.Duration `json:"jitter"`
	BytesReceived  uint64        `json:"bytesReceived"`
	BytesSent      uint64        `json:"bytesSent"`
	At             time.Time     `json:"at"`
}

// RemoteStream is the combined set of tracks received from one peer.
type RemoteStream struct {
	ID     string        `json:"id"`
	Tracks []RemoteTrack `json:"tracks"`
}

// Observer receives mesh notifications. Calls are made from the mesh
// control goroutine; implementations must not block.
type Observer interface {
	RemoteStreamAdded(id domain.Identity, stream RemoteStream)
	ConnectionStateChanged(id domain.Identity, state webrtc.PeerConnectionState)
	QualityChanged(id domain.Identity, report QualityReport)
	ConnectionIssue(id domain.Identity, report QualityReport)
	PeerRemoved(id domain.Identity)
	SessionTerminated(reason string)
}

// NopObserver ignores everything. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) RemoteStreamAdded(domain.Identity, RemoteStream)                    {}
func (NopObserver) ConnectionStateChanged(domain.Identity, webrtc.PeerConnectionState) {}
func (NopObserver) QualityChanged(domain.Identity, QualityReport)                      {}
func (NopObserver) ConnectionIssue(domain.Identity, QualityReport)                     {}
func (NopObserver) PeerRemoved(domain.Identity)                                        {}
func (NopObserver) SessionTerminated(string)                                           {}

package mesh

import (
	"slices"
	"strings"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

type SenderInfo struct {
	Kind    string `json:"kind"`
	TrackID string `json:"trackId,omitempty"`
}

type PeerInfo struct {
	Identity          domain.Identity     `json:"identity"`
	Address           domain.Address      `json:"address"`
	Token             uint64              `json:"token"`
	Negotiation       NegotiationState    `json:"negotiation"`
	Transport         string              `json:"transport"`
	Senders           []SenderInfo        `json:"senders"`
	Streams           []core.RemoteStream `json:"streams"`
	PendingCandidates int                 `json:"pendingCandidates"`
	Samples           int                 `json:"samples"`
	Quality           *core.QualityReport `json:"quality,omitempty"`
	RetryPending      bool                `json:"retryPending"`
}

type BundleInfo struct {
	Version      uint64           `json:"version"`
	AudioTrack   string           `json:"audioTrack,omitempty"`
	VideoTrack   string           `json:"videoTrack,omitempty"`
	VideoSource  core.VideoSource `json:"videoSource,omitempty"`
	AudioEnabled bool             `json:"audioEnabled"`
	VideoEnabled bool             `json:"videoEnabled"`
}

// Snapshot is a point-in-time view of the session for debugging.
type Snapshot struct {
	Self        domain.Identity                    `json:"self"`
	SelfAddress domain.Address                     `json:"selfAddress,omitempty"`
	Registry    map[domain.Identity]domain.Address `json:"registry"`
	Peers       []PeerInfo                         `json:"peers"`
	Bundle      BundleInfo                         `json:"bundle"`
}

// Peer returns the entry for id.
func (s Snapshot) Peer(id domain.Identity) (PeerInfo, bool) {
	for _, p := range s.Peers {
		if p.Identity == id {
			return p, true
		}
	}
	return PeerInfo{}, false
}

func (c *Coordinator) snapshot() Snapshot {
	snap := Snapshot{
		Self:        c.self,
		SelfAddress: c.selfAddr,
		Registry:    c.registry.Members(),
		Peers:       make([]PeerInfo, 0, len(c.peers)),
		Bundle: BundleInfo{
			Version:      c.bundle.Version,
			VideoSource:  c.bundle.VideoSource,
			AudioEnabled: c.bundle.AudioEnabled,
			VideoEnabled: c.bundle.VideoEnabled,
		},
	}
	if c.bundle.Audio != nil {
		snap.Bundle.AudioTrack = c.bundle.Audio.ID()
	}
	if c.bundle.Video != nil {
		snap.Bundle.VideoTrack = c.bundle.Video.ID()
	}

	for id, p := range c.peers {
		info := PeerInfo{
			Identity:          id,
			Address:           p.addr,
			Token:             p.token,
			Negotiation:       p.state,
			Transport:         p.ice.String(),
			PendingCandidates: p.pending.len(),
			Samples:           p.health.len(),
		}
		for _, s := range p.conn.Senders() {
			si := SenderInfo{Kind: s.Kind().String()}
			if t := s.Track(); t != nil {
				si.TrackID = t.ID()
			}
			info.Senders = append(info.Senders, si)
		}
		for _, st := range p.streams {
			info.Streams = append(info.Streams, core.RemoteStream{ID: st.ID, Tracks: slices.Clone(st.Tracks)})
		}
		if p.health.rated {
			q := p.health.last
			info.Quality = &q
		}
		if s, ok := c.slots[id]; ok {
			info.RetryPending = s.retry != nil
		}
		snap.Peers = append(snap.Peers, info)
	}
	slices.SortFunc(snap.Peers, func(a, b PeerInfo) int { return strings.Compare(string(a.Identity), string(b.Identity)) })
	return snap
}

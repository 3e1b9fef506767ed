package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	// ErrOfferCollision is returned by AcceptOffer while a local offer is
	// outstanding. pion cannot roll a local offer back.
	ErrOfferCollision = errors.New("remote offer collides with local offer")
)

// DefaultICEServers mirror the public STUN servers the web client used.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun.cloudflare.com:3478",
}

// ICEConfig builds a configuration using every url as a STUN/TURN server.
func ICEConfig(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		urls = DefaultICEServers
	}
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// WebRTCConnection implements core.MediaConnection on a pion PeerConnection.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	remote domain.Identity
	ctx    context.Context
	cancel context.CancelFunc

	// negotiation steps on one PeerConnection never overlap
	negMu   sync.Mutex
	mu      sync.RWMutex
	senders []core.TrackSender
	closed  bool

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(core.RemoteTrack)
}

func NewWebRTCConnection(cfg webrtc.Configuration, remote domain.Identity) (*WebRTCConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	// one receive slot per kind, so an offer made before any local track
	// still asks for the remote media; AddTrack reuses these transceivers
	for _, kind := range core.MediaKinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &WebRTCConnection{pc: pc, remote: remote, ctx: ctx, cancel: cancel}
	c.start()
	return c, nil
}

func (c *WebRTCConnection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("remote", string(c.remote)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("remote", string(c.remote)).Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.RLock()
		cb := c.onState
		c.mu.RUnlock()
		if cb != nil {
			cb(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		cb := c.onICE
		c.mu.RUnlock()
		if cb != nil {
			cb(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("remote", string(c.remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.RLock()
		cb := c.onTrack
		c.mu.RUnlock()
		if cb != nil {
			cb(core.RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind()})
		}
		go c.consume(track)
	})
}

// consume reads the remote track so interceptors keep producing receiver
// statistics. Playback is left to the embedding application.
func (c *WebRTCConnection) consume(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if c.ctx.Err() != nil {
			return
		}
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (c *WebRTCConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	c.negMu.Lock()
	defer c.negMu.Unlock()
	if err := c.usable(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *WebRTCConnection) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.negMu.Lock()
	defer c.negMu.Unlock()
	if err := c.usable(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if st := c.pc.SignalingState(); st != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: signaling state %s", ErrOfferCollision, st)
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()
	if err := c.usable(context.Background()); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(answer)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddTrack attaches a local track and starts draining its RTCP feedback.
func (c *WebRTCConnection) AddTrack(track webrtc.TrackLocal) (core.TrackSender, error) {
	if err := c.usable(context.Background()); err != nil {
		return nil, err
	}
	rs, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	s := &trackSender{sender: rs, kind: track.Kind()}
	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()
	go c.readRTCP(rs, track.Kind())
	return s, nil
}

func (c *WebRTCConnection) Senders() []core.TrackSender {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.TrackSender, len(c.senders))
	copy(out, c.senders)
	return out
}

// readRTCP drains sender feedback. Keyframe requests are only logged: the
// capture side produces keyframes on its own schedule.
func (c *WebRTCConnection) readRTCP(sender *webrtc.RTPSender, kind webrtc.RTPCodecType) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			switch p.(type) {
			case *rtcp.PictureLossIndication:
				log.Debug().Str("module", "webrtc").Str("remote", string(c.remote)).Str("kind", kind.String()).Msg("PLI received")
			case *rtcp.FullIntraRequest:
				log.Debug().Str("module", "webrtc").Str("remote", string(c.remote)).Str("kind", kind.String()).Msg("FIR received")
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				log.Trace().Str("module", "webrtc").Str("remote", string(c.remote)).Msg("REMB received")
			}
		}
	}
}

// Stats folds the pion stats report into one snapshot: inbound counters
// are summed over every stream, jitter is the worst stream, RTT comes from
// the nominated candidate pair.
func (c *WebRTCConnection) Stats(ctx context.Context) (core.StatsSnapshot, error) {
	if err := c.usable(ctx); err != nil {
		return core.StatsSnapshot{}, err
	}
	snap := core.StatsSnapshot{At: time.Now()}
	var jitter float64
	for _, s := range c.pc.GetStats() {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			snap.PacketsReceived += uint64(st.PacketsReceived)
			snap.PacketsLost += int64(st.PacketsLost)
			snap.BytesReceived += st.BytesReceived
			jitter = max(jitter, st.Jitter)
		case webrtc.OutboundRTPStreamStats:
			snap.BytesSent += st.BytesSent
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.State == webrtc.StatsICECandidatePairStateSucceeded {
				snap.RoundTripTime = seconds(st.CurrentRoundTripTime)
			}
		}
	}
	snap.Jitter = seconds(jitter)
	return snap, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (c *WebRTCConnection) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	return nil
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("remote", string(c.remote)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("remote", string(c.remote)).Msg("closed")
	return nil
}

type trackSender struct {
	sender *webrtc.RTPSender
	kind   webrtc.RTPCodecType
}

func (s *trackSender) Kind() webrtc.RTPCodecType              { return s.kind }
func (s *trackSender) Track() webrtc.TrackLocal               { return s.sender.Track() }
func (s *trackSender) ReplaceTrack(t webrtc.TrackLocal) error { return s.sender.ReplaceTrack(t) }

// Factory creates WebRTCConnections sharing one configuration.
type Factory struct {
	cfg webrtc.Configuration
}

func NewFactory(cfg webrtc.Configuration) *Factory {
	return &Factory{cfg: cfg}
}

func (f *Factory) NewConnection(remote domain.Identity) (core.MediaConnection, error) {
	c, err := NewWebRTCConnection(f.cfg, remote)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("module", "webrtc").Str("remote", string(remote)).Int("ice_servers", len(f.cfg.ICEServers)).Msg("connection created")
	return c, nil
}

package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/dkeye/studio/internal/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// ---- signaling ----

type sentEvent struct {
	Type    protocol.EventType
	Payload json.RawMessage
}

type fakeSub struct {
	sig *fakeSignal
	t   protocol.EventType
	id  int
}

func (s *fakeSub) Unsubscribe() {
	s.sig.mu.Lock()
	defer s.sig.mu.Unlock()
	delete(s.sig.handlers[s.t], s.id)
}

// fakeSignal is an in-memory SignalChannel. Incoming events are delivered
// in order from a single goroutine, like a websocket reader.
type fakeSignal struct {
	addr  domain.Address
	relay *memRelay

	mu       sync.Mutex
	handlers map[protocol.EventType]map[int]core.Handler
	nextID   int
	sent     []sentEvent
	probes   string // "" answers nothing, otherwise the status to reply with

	inbox chan sentEvent
	stop  chan struct{}
}

func newFakeSignal(t *testing.T, addr domain.Address) *fakeSignal {
	s := &fakeSignal{
		addr:     addr,
		handlers: make(map[protocol.EventType]map[int]core.Handler),
		inbox:    make(chan sentEvent, 1024),
		stop:     make(chan struct{}),
	}
	go s.pump()
	t.Cleanup(func() { close(s.stop) })
	return s
}

func (s *fakeSignal) pump() {
	for {
		select {
		case ev := <-s.inbox:
			s.mu.Lock()
			hs := make([]core.Handler, 0, len(s.handlers[ev.Type]))
			for _, h := range s.handlers[ev.Type] {
				hs = append(hs, h)
			}
			s.mu.Unlock()
			for _, h := range hs {
				h(ev.Payload)
			}
		case <-s.stop:
			return
		}
	}
}

func (s *fakeSignal) On(t protocol.EventType, h core.Handler) core.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[t] == nil {
		s.handlers[t] = make(map[int]core.Handler)
	}
	s.nextID++
	s.handlers[t][s.nextID] = h
	return &fakeSub{sig: s, t: t, id: s.nextID}
}

func (s *fakeSignal) Emit(t protocol.EventType, v any) error {
	var raw json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		raw = b
	}
	s.mu.Lock()
	s.sent = append(s.sent, sentEvent{Type: t, Payload: raw})
	status := s.probes
	relay := s.relay
	s.mu.Unlock()

	if relay != nil {
		relay.route(s.addr, t, raw)
		return nil
	}
	if t == protocol.EventLivenessProbe && status != "" {
		var p protocol.LivenessProbe
		_ = json.Unmarshal(raw, &p)
		s.deliver(protocol.EventLivenessResponse, protocol.LivenessResponse{SenderAddress: p.TargetAddress, ProbeID: p.ProbeID, Status: status})
	}
	return nil
}

func (s *fakeSignal) answerProbes(status string) {
	s.mu.Lock()
	s.probes = status
	s.mu.Unlock()
}

func (s *fakeSignal) deliver(t protocol.EventType, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.inbox <- sentEvent{Type: t, Payload: raw}
}

func (s *fakeSignal) count(t protocol.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.sent {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (s *fakeSignal) handlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, hs := range s.handlers {
		n += len(hs)
	}
	return n
}

// memRelay forwards addressed events between fake signals the way the
// relay server does: targetAddress is replaced with senderAddress.
type memRelay struct {
	mu     sync.Mutex
	peers  map[domain.Address]*fakeSignal
	routed []routedEvent
}

type routedEvent struct {
	from domain.Address
	t    protocol.EventType
	raw  json.RawMessage
}

func newMemRelay() *memRelay {
	return &memRelay{peers: make(map[domain.Address]*fakeSignal)}
}

func (r *memRelay) attach(s *fakeSignal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[s.addr] = s
	s.mu.Lock()
	s.relay = r
	s.mu.Unlock()
}

func (r *memRelay) route(from domain.Address, t protocol.EventType, raw json.RawMessage) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return
	}
	target, _ := fields["targetAddress"].(string)
	if target == "" {
		return
	}
	delete(fields, "targetAddress")
	fields["senderAddress"] = string(from)

	r.mu.Lock()
	r.routed = append(r.routed, routedEvent{from: from, t: t, raw: raw})
	dst, ok := r.peers[domain.Address(target)]
	r.mu.Unlock()
	if !ok {
		return
	}
	dst.deliver(t, fields)
}

func (r *memRelay) count(from domain.Address, t protocol.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.routed {
		if ev.from == from && ev.t == t {
			n++
		}
	}
	return n
}

// last returns the payload of the latest t sent by from.
func (r *memRelay) last(from domain.Address, t protocol.EventType) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.routed) - 1; i >= 0; i-- {
		if ev := r.routed[i]; ev.from == from && ev.t == t {
			return string(ev.raw)
		}
	}
	return ""
}

// ---- media ----

type fakeSender struct {
	mu       sync.Mutex
	kind     webrtc.RTPCodecType
	track    webrtc.TrackLocal
	replaced int
}

func (s *fakeSender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.replaced++
	return nil
}

// fakeConn follows the signaling transitions pion accepts. There is no
// rollback: an offer arriving in have-local-offer is an error.
type fakeConn struct {
	remote domain.Identity

	mu             sync.Mutex
	signaling      webrtc.SignalingState
	senders        []*fakeSender
	offers         int
	accepted       int
	rejected       int
	acceptErr      error
	appliedAnswers int
	hasRemote      bool
	candidates     []webrtc.ICECandidateInit
	closed         bool
	stats          core.StatsSnapshot
	onICE          func(webrtc.ICECandidateInit)
	onState        func(webrtc.PeerConnectionState)
	onTrack        func(core.RemoteTrack)
}

func (c *fakeConn) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaling != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer in %s", c.signaling)
	}
	c.signaling = webrtc.SignalingStateHaveLocalOffer
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", c.remote, c.offers)}, nil
}

func (c *fakeConn) AcceptOffer(_ context.Context, _ webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	if c.signaling != webrtc.SignalingStateStable {
		st := c.signaling
		c.rejected++
		c.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer in %s", st)
	}
	if err := c.acceptErr; err != nil {
		c.acceptErr = nil
		c.mu.Unlock()
		return webrtc.SessionDescription{}, err
	}
	c.accepted++
	first := !c.hasRemote
	c.hasRemote = true
	n := c.accepted
	c.mu.Unlock()
	if first {
		c.remoteMedia()
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%s-%d", c.remote, n)}, nil
}

func (c *fakeConn) ApplyAnswer(webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.signaling != webrtc.SignalingStateHaveLocalOffer {
		st := c.signaling
		c.mu.Unlock()
		return fmt.Errorf("set remote answer in %s", st)
	}
	c.signaling = webrtc.SignalingStateStable
	c.appliedAnswers++
	first := !c.hasRemote
	c.hasRemote = true
	c.mu.Unlock()
	if first {
		c.remoteMedia()
	}
	return nil
}

// remoteMedia surfaces one audio and one video track of a single stream.
func (c *fakeConn) remoteMedia() {
	c.mu.Lock()
	cb := c.onTrack
	c.mu.Unlock()
	if cb == nil {
		return
	}
	stream := "stream-" + string(c.remote)
	go func() {
		cb(core.RemoteTrack{ID: "a-" + string(c.remote), StreamID: stream, Kind: webrtc.RTPCodecTypeAudio})
		cb(core.RemoteTrack{ID: "v-" + string(c.remote), StreamID: stream, Kind: webrtc.RTPCodecTypeVideo})
	}()
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *fakeConn) AddTrack(t webrtc.TrackLocal) (core.TrackSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeSender{kind: t.Kind(), track: t}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *fakeConn) Senders() []core.TrackSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.TrackSender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

func (c *fakeConn) Stats(context.Context) (core.StatsSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats, nil
}

func (c *fakeConn) setStats(s core.StatsSnapshot) {
	c.mu.Lock()
	c.stats = s
	c.mu.Unlock()
}

func (c *fakeConn) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = f
	c.mu.Unlock()
}

func (c *fakeConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = f
	c.mu.Unlock()
}

func (c *fakeConn) OnTrack(f func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = f
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) fire(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	cb := c.onState
	c.mu.Unlock()
	cb(s)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) offerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *fakeConn) appliedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *fakeConn) senderCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.senders)
}

type fakeFactory struct {
	mu    sync.Mutex
	conns map[domain.Identity][]*fakeConn
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{conns: make(map[domain.Identity][]*fakeConn)}
}

func (f *fakeFactory) NewConnection(remote domain.Identity) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{remote: remote, signaling: webrtc.SignalingStateStable}
	f.conns[remote] = append(f.conns[remote], c)
	return c, nil
}

func (f *fakeFactory) count(id domain.Identity) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[id])
}

func (f *fakeFactory) latest(id domain.Identity) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.conns[id]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (f *fakeFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, cs := range f.conns {
		for _, c := range cs {
			if !c.isClosed() {
				n++
			}
		}
	}
	return n
}

// ---- capture ----

type fakeCapture struct {
	mu       sync.Mutex
	screen   webrtc.TrackLocal
	enabled  map[string]bool
	released []string
	ended    chan core.TrackEnded
}

func newFakeCapture(screen webrtc.TrackLocal) *fakeCapture {
	return &fakeCapture{screen: screen, enabled: make(map[string]bool), ended: make(chan core.TrackEnded, 4)}
}

func (f *fakeCapture) AcquireLocal(context.Context) (core.LocalBundle, error) {
	return core.LocalBundle{}, nil
}

func (f *fakeCapture) AcquireScreen(context.Context) (webrtc.TrackLocal, error) {
	return f.screen, nil
}

func (f *fakeCapture) SetEnabled(t webrtc.TrackLocal, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[t.ID()] = enabled
}

func (f *fakeCapture) isEnabled(id string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.enabled[id]
	return v, ok
}

func (f *fakeCapture) Release(t webrtc.TrackLocal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, t.ID())
}

func (f *fakeCapture) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func (f *fakeCapture) Ended() <-chan core.TrackEnded { return f.ended }

// ---- observer ----

type recorder struct {
	mu         sync.Mutex
	streams    map[domain.Identity]int
	states     map[domain.Identity][]webrtc.PeerConnectionState
	qualities  map[domain.Identity][]core.Quality
	issues     map[domain.Identity]int
	removed    []domain.Identity
	terminated []string
}

func newRecorder() *recorder {
	return &recorder{
		streams:   make(map[domain.Identity]int),
		states:    make(map[domain.Identity][]webrtc.PeerConnectionState),
		qualities: make(map[domain.Identity][]core.Quality),
		issues:    make(map[domain.Identity]int),
	}
}

func (r *recorder) RemoteStreamAdded(id domain.Identity, _ core.RemoteStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[id]++
}

func (r *recorder) ConnectionStateChanged(id domain.Identity, s webrtc.PeerConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[id] = append(r.states[id], s)
}

func (r *recorder) QualityChanged(id domain.Identity, rep core.QualityReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qualities[id] = append(r.qualities[id], rep.Quality)
}

func (r *recorder) ConnectionIssue(id domain.Identity, _ core.QualityReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issues[id]++
}

func (r *recorder) PeerRemoved(id domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

func (r *recorder) SessionTerminated(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = append(r.terminated, reason)
}

func (r *recorder) streamCount(id domain.Identity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[id]
}

func (r *recorder) qualityLog(id domain.Identity) []core.Quality {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Quality(nil), r.qualities[id]...)
}

func (r *recorder) issueCount(id domain.Identity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.issues[id]
}

func (r *recorder) removedIDs() []domain.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Identity(nil), r.removed...)
}

func (r *recorder) terminations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.terminated...)
}

// ---- harness ----

type harness struct {
	t       *testing.T
	coord   *Coordinator
	sig     *fakeSignal
	media   *fakeFactory
	capture *fakeCapture
	obs     *recorder
	clock   *clockwork.FakeClock
}

func newHarness(t *testing.T, self domain.Identity, addr domain.Address, relay *memRelay) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		sig:     newFakeSignal(t, addr),
		media:   newFakeFactory(),
		capture: newFakeCapture(newTrack(t, webrtc.MimeTypeVP8, "screen-"+string(self))),
		obs:     newRecorder(),
		clock:   clockwork.NewFakeClock(),
	}
	if relay != nil {
		relay.attach(h.sig)
	} else {
		h.sig.answerProbes(protocol.StatusAlive)
	}
	coord, err := New(Options{
		Self:     self,
		Signal:   h.sig,
		Media:    h.media,
		Capture:  h.capture,
		Observer: h.obs,
		Clock:    h.clock,
	})
	require.NoError(t, err)
	h.coord = coord

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = coord.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-coord.Done()
	})
	return h
}

func newTrack(t *testing.T, mime, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "local")
	require.NoError(t, err)
	return tr
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	snap, err := h.coord.Snapshot(context.Background())
	require.NoError(h.t, err)
	return snap
}

func (h *harness) negotiation(id domain.Identity) NegotiationState {
	p, ok := h.snapshot().Peer(id)
	if !ok {
		return StateClosed
	}
	return p.Negotiation
}

func (h *harness) waitState(id domain.Identity, want NegotiationState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.negotiation(id) == want }, waitFor, tick,
		"peer %s never reached %s", id, want)
}

// connected dials id at addr and completes the handshake with a scripted
// answer.
func (h *harness) connected(id domain.Identity, addr domain.Address) *fakeConn {
	h.t.Helper()
	h.sig.deliver(protocol.EventParticipantJoined, protocol.ParticipantJoined{Identity: id, Address: addr})
	require.NoError(h.t, h.coord.Connect(context.Background(), id, addr))
	h.waitState(id, StateAwaitingAnswer)
	h.sig.deliver(protocol.EventAnswer, protocol.Description{SenderAddress: addr, Description: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}})
	h.waitState(id, StateStable)
	return h.media.latest(id)
}

// flush waits until every event delivered so far has been handed to the
// coordinator, then round-trips the control goroutine.
func (h *harness) flush() {
	h.t.Helper()
	n := h.sig.count(protocol.EventLivenessResponse)
	h.sig.deliver(protocol.EventLivenessProbe, protocol.LivenessProbe{SenderAddress: "addr-flush", ProbeID: "flush"})
	require.Eventually(h.t, func() bool { return h.sig.count(protocol.EventLivenessResponse) > n }, waitFor, tick)
	h.snapshot()
}

func bundle(audio, video *webrtc.TrackLocalStaticSample) core.LocalBundle {
	var b core.LocalBundle
	if audio != nil {
		b.Audio, b.AudioEnabled = audio, true
	}
	if video != nil {
		b.Video, b.VideoSource, b.VideoEnabled = video, core.SourceCamera, true
	}
	return b
}

func trackEnded(id string) core.TrackEnded {
	return core.TrackEnded{TrackID: id, Source: core.SourceScreen}
}

func (c *fakeConn) failNextAccept(err error) {
	c.mu.Lock()
	c.acceptErr = err
	c.mu.Unlock()
}

func (c *fakeConn) rejectedOffers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

func (c *fakeConn) signalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *fakeConn) answersApplied() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appliedAnswers
}

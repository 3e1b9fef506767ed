// Package mesh coordinates one full-mesh media session: it maps remote
// participants to transport addresses, negotiates one media connection per
// participant over the signaling channel, keeps outbound tracks in sync with
// the local bundle and watches connection health.
//
// All session state is owned by a single goroutine (Coordinator.Run).
// Signaling handlers, timers, capture notifications and async completions
// post closures to it; async work carries the peer instance token and is
// discarded when that peer has been replaced.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/dkeye/studio/internal/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultProbeTimeout    = 3 * time.Second
	DefaultGraceWindow     = 5 * time.Second
	DefaultReconnectDelay  = 2 * time.Second
	DefaultMonitorInterval = 5 * time.Second
	DefaultHealthWindow    = 12

	commandBuffer = 256
)

type Options struct {
	Self     domain.Identity
	Signal   core.SignalChannel
	Media    core.MediaFactory
	Capture  core.CaptureProvider
	Observer core.Observer
	Clock    clockwork.Clock

	ProbeTimeout    time.Duration
	GraceWindow     time.Duration
	ReconnectDelay  time.Duration
	MonitorInterval time.Duration
	HealthWindow    int
	Thresholds      Thresholds
}

func (o *Options) setDefaults() {
	if o.Observer == nil {
		o.Observer = core.NopObserver{}
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = DefaultGraceWindow
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = DefaultMonitorInterval
	}
	if o.HealthWindow <= 0 {
		o.HealthWindow = DefaultHealthWindow
	}
	if o.Thresholds == (Thresholds{}) {
		o.Thresholds = DefaultThresholds
	}
}

type savedVideo struct {
	track   webrtc.TrackLocal
	enabled bool
}

type Coordinator struct {
	opts    Options
	self    domain.Identity
	signal  core.SignalChannel
	media   core.MediaFactory
	capture core.CaptureProvider
	obs     core.Observer
	clock   clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc

	cmds     chan func()
	done     chan struct{}
	runOnce  sync.Once
	subs     []core.Subscription
	subsOnce sync.Once

	// owned by the run goroutine
	registry *Registry
	peers    map[domain.Identity]*peer
	slots    map[domain.Identity]*slot
	probes   map[string]chan string
	bundle   core.LocalBundle
	camera   savedVideo
	selfAddr domain.Address
	seq      uint64
	stopping bool
}

// New builds a coordinator and subscribes it to the signaling channel.
// Events are queued until Run is called.
func New(opts Options) (*Coordinator, error) {
	if opts.Self == "" {
		return nil, errors.New("mesh: self identity is required")
	}
	if opts.Signal == nil || opts.Media == nil {
		return nil, errors.New("mesh: signal channel and media factory are required")
	}
	opts.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:     opts,
		self:     opts.Self,
		signal:   opts.Signal,
		media:    opts.Media,
		capture:  opts.Capture,
		obs:      opts.Observer,
		clock:    opts.Clock,
		ctx:      ctx,
		cancel:   cancel,
		cmds:     make(chan func(), commandBuffer),
		done:     make(chan struct{}),
		registry: NewRegistry(),
		peers:    make(map[domain.Identity]*peer),
		slots:    make(map[domain.Identity]*slot),
		probes:   make(map[string]chan string),
	}
	c.subscribe()
	return c, nil
}

func (c *Coordinator) subscribe() {
	c.subs = []core.Subscription{
		on(c, protocol.EventOffer, c.handleOffer),
		on(c, protocol.EventAnswer, c.handleAnswer),
		on(c, protocol.EventICECandidate, func(m protocol.Candidate) { c.handleCandidate(m.SenderAddress, m.Candidate) }),
		on(c, protocol.EventRenegotiate, c.handleRenegotiate),
		on(c, protocol.EventParticipantJoined, c.handleParticipantJoined),
		on(c, protocol.EventParticipantLeft, func(m protocol.ParticipantLeft) { c.handleParticipantLeft(m.Identity) }),
		on(c, protocol.EventCurrentMembers, c.handleCurrentMembers),
		on(c, protocol.EventLivenessResponse, c.handleLivenessResponse),
		on(c, protocol.EventSessionTerminated, func(m protocol.SessionTerminated) { c.terminate(m.Reason) }),
		c.signal.On(protocol.EventLivenessProbe, c.answerProbe),
		c.signal.On(protocol.EventError, func(raw json.RawMessage) {
			var m protocol.Error
			_ = json.Unmarshal(raw, &m)
			log.Warn().Str("module", "mesh").Str("error", m.Error).Msg("relay reported error")
		}),
	}
}

// on registers a typed handler that runs on the control goroutine.
func on[T any](c *Coordinator, t protocol.EventType, fn func(T)) core.Subscription {
	return c.signal.On(t, func(raw json.RawMessage) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			log.Warn().Str("module", "mesh").Str("event", string(t)).Err(err).Msg("malformed payload dropped")
			return
		}
		c.post(func() { fn(v) })
	})
}

// answerProbe replies to a liveness probe directly from the channel reader.
func (c *Coordinator) answerProbe(raw json.RawMessage) {
	var m protocol.LivenessProbe
	if err := json.Unmarshal(raw, &m); err != nil || m.SenderAddress == "" {
		log.Warn().Str("module", "mesh").Msg("malformed liveness probe dropped")
		return
	}
	resp := protocol.LivenessResponse{TargetAddress: m.SenderAddress, ProbeID: m.ProbeID, Status: protocol.StatusAlive}
	if err := c.signal.Emit(protocol.EventLivenessResponse, resp); err != nil {
		log.Warn().Str("module", "mesh").Err(err).Msg("failed to answer liveness probe")
	}
}

// Run processes events until ctx is cancelled or Shutdown is called.
func (c *Coordinator) Run(ctx context.Context) error {
	err := ErrClosed
	c.runOnce.Do(func() { err = c.run(ctx) })
	return err
}

func (c *Coordinator) run(ctx context.Context) error {
	defer close(c.done)
	defer c.cancel()

	ticker := c.clock.NewTicker(c.opts.MonitorInterval)
	defer ticker.Stop()

	var ended <-chan core.TrackEnded
	if c.capture != nil {
		ended = c.capture.Ended()
	}

	log.Info().Str("module", "mesh").Str("self", string(c.self)).Msg("coordinator started")
	for {
		select {
		case fn := <-c.cmds:
			fn()
			if c.stopping {
				log.Info().Str("module", "mesh").Msg("coordinator stopped")
				return nil
			}
		case <-ticker.Chan():
			c.sampleAll()
		case ev, ok := <-ended:
			if !ok {
				ended = nil
				continue
			}
			c.handleTrackEnded(ev)
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		}
	}
}

// post queues fn for the control goroutine. It returns false once the
// coordinator has stopped.
func (c *Coordinator) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.cmds <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the control goroutine and waits for it.
func (c *Coordinator) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !c.post(func() { fn(); close(finished) }) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Coordinator) nextToken() uint64 {
	c.seq++
	return c.seq
}

func (c *Coordinator) slotFor(id domain.Identity) *slot {
	s, ok := c.slots[id]
	if !ok {
		s = &slot{}
		c.slots[id] = s
	}
	return s
}

// current returns the live peer for id if it still has the given token.
func (c *Coordinator) current(id domain.Identity, token uint64) (*peer, bool) {
	p, ok := c.peers[id]
	if !ok || p.token != token || !p.open() {
		return nil, false
	}
	return p, true
}

// Connect negotiates a connection with id at addr. If addr is empty the
// registered address is used. Connect is a no-op when a connection or a
// pending attempt already exists. It returns once the offer is sent.
func (c *Coordinator) Connect(ctx context.Context, id domain.Identity, addr domain.Address) error {
	started := make(chan dialStart, 1)
	if !c.post(func() { started <- c.beginDial(id, addr) }) {
		return ErrClosed
	}
	var d dialStart
	select {
	case d = <-started:
	case <-ctx.Done():
		// commands run in order, so beginDial has filled started by then
		c.post(func() {
			if d := <-started; d.err == nil && !d.skip {
				c.abortDial(id, d)
			}
		})
		return &ConnectError{Identity: id, Err: ctx.Err()}
	case <-c.done:
		return ErrClosed
	}
	if d.err != nil {
		return &ConnectError{Identity: id, Err: d.err}
	}
	if d.skip {
		return nil
	}

	timer := c.clock.NewTimer(c.opts.ProbeTimeout)
	defer timer.Stop()

	var err error
	select {
	case status := <-d.result:
		if status != protocol.StatusAlive {
			err = ErrPeerUnreachable
		}
	case <-timer.Chan():
		err = ErrProbeTimeout
	case <-ctx.Done():
		err = ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	if err != nil {
		c.post(func() { c.abortDial(id, d) })
		log.Warn().Str("module", "mesh").Str("identity", string(id)).Str("address", string(d.addr)).Err(err).Msg("connect aborted")
		return &ConnectError{Identity: id, Err: err}
	}

	offered := make(chan error, 1)
	if !c.post(func() { c.finishDial(id, d, offered) }) {
		return ErrClosed
	}
	select {
	case err = <-offered:
	case <-c.done:
		return ErrClosed
	}
	if err != nil {
		return &ConnectError{Identity: id, Err: err}
	}
	return nil
}

// connectAsync dials from the control goroutine without blocking it.
func (c *Coordinator) connectAsync(id domain.Identity, addr domain.Address) {
	go func() {
		err := c.Connect(c.ctx, id, addr)
		switch {
		case err == nil, errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
		case IsTransient(err):
			log.Info().Str("module", "mesh").Str("identity", string(id)).Err(err).Msg("connect attempt failed, retry is manual")
		default:
			log.Error().Str("module", "mesh").Str("identity", string(id)).Err(err).Msg("connect failed")
		}
	}()
}

// Shutdown leaves the room, closes every connection and stops Run.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	defer c.Dispose()
	err := c.call(ctx, func() { c.shutdown() })
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) shutdown() {
	if err := c.signal.Emit(protocol.EventLeave, nil); err != nil {
		log.Debug().Str("module", "mesh").Err(err).Msg("leave not sent")
	}
	c.teardown()
	c.stopping = true
}

// Dispose unregisters every signaling handler. It is idempotent and safe to
// call from any goroutine.
func (c *Coordinator) Dispose() {
	c.subsOnce.Do(func() {
		for _, s := range c.subs {
			s.Unsubscribe()
		}
		log.Debug().Str("module", "mesh").Int("handlers", len(c.subs)).Msg("handlers disposed")
	})
}

// Done is closed when Run returns.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// teardown closes every peer and clears all session state.
func (c *Coordinator) teardown() {
	for id, p := range c.peers {
		c.closePeer(p)
		c.obs.PeerRemoved(id)
	}
	for _, s := range c.slots {
		s.cancelRetry()
	}
	clear(c.slots)
	for pid, ch := range c.probes {
		ch <- protocol.StatusUnreachable
		delete(c.probes, pid)
	}
	c.registry.Reset()

	if c.capture != nil {
		for _, t := range c.bundle.Tracks() {
			c.capture.Release(t)
		}
		if c.camera.track != nil {
			c.capture.Release(c.camera.track)
		}
	}
	c.bundle = core.LocalBundle{Version: c.bundle.Version + 1}
	c.camera = savedVideo{}
	log.Info().Str("module", "mesh").Msg("session state cleared")
}

func (c *Coordinator) terminate(reason string) {
	log.Warn().Str("module", "mesh").Str("reason", reason).Msg("session terminated")
	c.teardown()
	c.obs.SessionTerminated(reason)
}

// Snapshot returns a copy of the session state for diagnostics.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.call(ctx, func() { snap = c.snapshot() })
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	return snap, nil
}

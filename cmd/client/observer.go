package main

import (
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// logObserver prints mesh notifications and reports session termination.
type logObserver struct {
	terminated chan string
}

func newLogObserver() *logObserver {
	return &logObserver{terminated: make(chan string, 1)}
}

func (o *logObserver) RemoteStreamAdded(id domain.Identity, s core.RemoteStream) {
	log.Info().Str("module", "ui").Str("identity", string(id)).Str("stream", s.ID).Int("tracks", len(s.Tracks)).Msg("remote stream")
}

func (o *logObserver) ConnectionStateChanged(id domain.Identity, state webrtc.PeerConnectionState) {
	log.Info().Str("module", "ui").Str("identity", string(id)).Str("state", state.String()).Msg("connection state")
}

func (o *logObserver) QualityChanged(id domain.Identity, r core.QualityReport) {
	log.Info().Str("module", "ui").Str("identity", string(id)).Str("quality", r.Quality.String()).Msg("quality")
}

func (o *logObserver) ConnectionIssue(id domain.Identity, r core.QualityReport) {
	log.Warn().Str("module", "ui").Str("identity", string(id)).
		Float64("loss", r.PacketLossRate).Dur("rtt", r.RoundTripTime).Dur("jitter", r.Jitter).
		Msg("connection issue")
}

func (o *logObserver) PeerRemoved(id domain.Identity) {
	log.Info().Str("module", "ui").Str("identity", string(id)).Msg("peer removed")
}

func (o *logObserver) SessionTerminated(reason string) {
	select {
	case o.terminated <- reason:
	default:
	}
}

package mesh

import (
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/rs/zerolog/log"
)

// sampleAll requests statistics from every open peer. Each request runs
// off the control goroutine; a peer with a request in flight is skipped.
func (c *Coordinator) sampleAll() {
	for id, p := range c.peers {
		if !p.open() || p.sampling {
			continue
		}
		p.sampling = true
		conn, token := p.conn, p.token
		go func(id domain.Identity) {
			st, err := conn.Stats(c.ctx)
			c.post(func() { c.onSample(id, token, st, err) })
		}(id)
	}
}

func (c *Coordinator) onSample(id domain.Identity, token uint64, st core.StatsSnapshot, err error) {
	p, ok := c.current(id, token)
	if !ok {
		return
	}
	p.sampling = false
	if err != nil {
		log.Debug().Str("module", "mesh.health").Str("identity", string(id)).Err(err).Msg("stats unavailable")
		return
	}
	if st.At.IsZero() {
		st.At = c.clock.Now()
	}
	report, changed := p.health.rate(st, c.opts.Thresholds)
	if changed {
		log.Info().Str("module", "mesh.health").Str("identity", string(id)).
			Str("quality", report.Quality.String()).
			Float64("loss", report.PacketLossRate).
			Dur("rtt", report.RoundTripTime).
			Dur("jitter", report.Jitter).
			Msg("quality changed")
		c.obs.QualityChanged(id, report)
	}
	if report.Quality == core.QualityPoor {
		log.Warn().Str("module", "mesh.health").Str("identity", string(id)).Float64("loss", report.PacketLossRate).Msg("connection issue")
		c.obs.ConnectionIssue(id, report)
	}
}

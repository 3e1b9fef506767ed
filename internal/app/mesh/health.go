package mesh

import (
	"time"

	"github.com/dkeye/studio/internal/core"
)

// Band is one threshold level. A metric breaches the band when it is
// strictly greater than the bound.
type Band struct {
	PacketLoss float64
	RTT        time.Duration
	Jitter     time.Duration
}

type Thresholds struct {
	Good Band
	Fair Band
	Poor Band
}

var DefaultThresholds = Thresholds{
	Good: Band{PacketLoss: 1, RTT: 100 * time.Millisecond, Jitter: 20 * time.Millisecond},
	Fair: Band{PacketLoss: 2, RTT: 150 * time.Millisecond, Jitter: 30 * time.Millisecond},
	Poor: Band{PacketLoss: 5, RTT: 300 * time.Millisecond, Jitter: 50 * time.Millisecond},
}

// Classify returns the worst bucket breached by any of the three metrics.
func Classify(lossPct float64, rtt, jitter time.Duration, t Thresholds) core.Quality {
	return max(
		bucket(lossPct, t.Good.PacketLoss, t.Fair.PacketLoss, t.Poor.PacketLoss),
		bucket(rtt, t.Good.RTT, t.Fair.RTT, t.Poor.RTT),
		bucket(jitter, t.Good.Jitter, t.Fair.Jitter, t.Poor.Jitter),
	)
}

func bucket[T float64 | time.Duration](v, good, fair, poor T) core.Quality {
	switch {
	case v > poor:
		return core.QualityPoor
	case v > fair:
		return core.QualityFair
	case v > good:
		return core.QualityGood
	}
	return core.QualityExcellent
}

// healthWindow keeps the most recent samples of one peer.
type healthWindow struct {
	size    int
	samples []core.StatsSnapshot
	last    core.QualityReport
	rated   bool
}

func newHealthWindow(size int) *healthWindow {
	if size < 2 {
		size = 2
	}
	return &healthWindow{size: size}
}

// add appends s and returns the packet loss percentage since the previous
// sample, or the cumulative loss when s is the first one.
func (w *healthWindow) add(s core.StatsSnapshot) float64 {
	var lost, recv float64
	if n := len(w.samples); n > 0 {
		prev := w.samples[n-1]
		if s.PacketsLost >= prev.PacketsLost && s.PacketsReceived >= prev.PacketsReceived {
			lost = float64(s.PacketsLost - prev.PacketsLost)
			recv = float64(s.PacketsReceived - prev.PacketsReceived)
		} else {
			// counters went backwards: the stream restarted
			lost, recv = float64(max(s.PacketsLost, 0)), float64(s.PacketsReceived)
		}
	} else {
		lost, recv = float64(max(s.PacketsLost, 0)), float64(s.PacketsReceived)
	}
	w.samples = append(w.samples, s)
	if len(w.samples) > w.size {
		w.samples = w.samples[len(w.samples)-w.size:]
	}
	if lost+recv == 0 {
		return 0
	}
	return lost / (lost + recv) * 100
}

func (w *healthWindow) len() int { return len(w.samples) }

// rate classifies s and reports whether the bucket changed.
func (w *healthWindow) rate(s core.StatsSnapshot, t Thresholds) (core.QualityReport, bool) {
	loss := w.add(s)
	report := core.QualityReport{
		Quality:        Classify(loss, s.RoundTripTime, s.Jitter, t),
		PacketLossRate: loss,
		RoundTripTime:  s.RoundTripTime,
		Jitter:         s.Jitter,
		BytesReceived:  s.BytesReceived,
		BytesSent:      s.BytesSent,
		At:             s.At,
	}
	changed := !w.rated || w.last.Quality != report.Quality
	w.last, w.rated = report, true
	return report, changed
}

package mesh

import (
	"testing"
	"time"

	"github.com/dkeye/studio/internal/core"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	ms := time.Millisecond
	cases := []struct {
		name   string
		loss   float64
		rtt    time.Duration
		jitter time.Duration
		want   core.Quality
	}{
		{"all clear", 0, 20 * ms, 5 * ms, core.QualityExcellent},
		{"on the good bound", 1, 100 * ms, 20 * ms, core.QualityExcellent},
		{"loss just over good", 1.5, 20 * ms, 5 * ms, core.QualityGood},
		{"rtt fair", 0, 151 * ms, 5 * ms, core.QualityFair},
		{"jitter poor", 0, 20 * ms, 51 * ms, core.QualityPoor},
		{"worst metric wins", 1.5, 160 * ms, 60 * ms, core.QualityPoor},
		{"loss poor only", 6, 10 * ms, 1 * ms, core.QualityPoor},
		{"fair beats good", 2.5, 110 * ms, 25 * ms, core.QualityFair},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.loss, tc.rtt, tc.jitter, DefaultThresholds))
		})
	}
}

func TestHealthWindowLossIsDelta(t *testing.T) {
	w := newHealthWindow(3)

	// cumulative on the first sample
	assert.InDelta(t, 10.0, w.add(core.StatsSnapshot{PacketsReceived: 90, PacketsLost: 10}), 0.001)
	// 0 lost out of the next 100
	assert.InDelta(t, 0.0, w.add(core.StatsSnapshot{PacketsReceived: 190, PacketsLost: 10}), 0.001)
	// 5 lost out of the next 100
	assert.InDelta(t, 5.0, w.add(core.StatsSnapshot{PacketsReceived: 285, PacketsLost: 15}), 0.001)
	// no traffic
	assert.InDelta(t, 0.0, w.add(core.StatsSnapshot{PacketsReceived: 285, PacketsLost: 15}), 0.001)
	// counters reset
	assert.InDelta(t, 50.0, w.add(core.StatsSnapshot{PacketsReceived: 1, PacketsLost: 1}), 0.001)

	assert.Equal(t, 3, w.len())
}

func TestHealthWindowReportsChangesOnly(t *testing.T) {
	w := newHealthWindow(4)
	good := core.StatsSnapshot{PacketsReceived: 100, RoundTripTime: 20 * time.Millisecond}

	r, changed := w.rate(good, DefaultThresholds)
	assert.True(t, changed, "first sample always reports")
	assert.Equal(t, core.QualityExcellent, r.Quality)

	good.PacketsReceived = 200
	_, changed = w.rate(good, DefaultThresholds)
	assert.False(t, changed)

	bad := core.StatsSnapshot{PacketsReceived: 300, RoundTripTime: 400 * time.Millisecond}
	r, changed = w.rate(bad, DefaultThresholds)
	assert.True(t, changed)
	assert.Equal(t, core.QualityPoor, r.Quality)
	assert.Equal(t, 400*time.Millisecond, r.RoundTripTime)
}

func TestMonitorEmitsQualityAndIssues(t *testing.T) {
	h := newHarness(t, "alice", "addr-alice", nil)
	conn := h.connected("bob", "addr-bob")
	conn.setStats(core.StatsSnapshot{PacketsReceived: 500, RoundTripTime: 30 * time.Millisecond})

	assert.Eventually(t, func() bool {
		h.clock.Advance(DefaultMonitorInterval)
		return len(h.obs.qualityLog("bob")) == 1
	}, waitFor, tick)
	assert.Equal(t, []core.Quality{core.QualityExcellent}, h.obs.qualityLog("bob"))

	conn.setStats(core.StatsSnapshot{PacketsReceived: 600, PacketsLost: 100, RoundTripTime: 400 * time.Millisecond})
	assert.Eventually(t, func() bool {
		h.clock.Advance(DefaultMonitorInterval)
		return h.obs.issueCount("bob") >= 2
	}, waitFor, tick)
	assert.Equal(t, []core.Quality{core.QualityExcellent, core.QualityPoor}, h.obs.qualityLog("bob"))

	p, ok := h.snapshot().Peer("bob")
	assert.True(t, ok)
	if assert.NotNil(t, p.Quality) {
		assert.Equal(t, core.QualityPoor, p.Quality.Quality)
	}
	assert.False(t, conn.isClosed(), "the monitor never tears down")
}

// Package detector implements the keyed streaming spike detector: a
// per-channel rolling baseline of chat volume, a threshold test with
// cooldown, emitting an AnomalyEvent when a channel's chat activity
// significantly exceeds its own recent history.
package detector

import (
	"math"
	"regexp"
	"sync"
	"time"

	"clipdetector/internal/metrics"
	"clipdetector/internal/types"
)

// botCommandPattern is the upstream pre-filter: stateless, applied
// before keying.
var botCommandPattern = regexp.MustCompile(`^![A-Za-z0-9]+`)

// Config holds the detector's tunable constants. The threshold has
// changed between deployments before, so all of these stay
// configurable rather than hardcoded.
type Config struct {
	WindowSize      time.Duration
	BaselineWindow  time.Duration
	StdDevThreshold float64
	Cooldown        time.Duration
	Shards          int
}

// channelState is the PerChannelDetectorState: bucketed counts keyed by
// epoch second, plus the last time an anomaly fired.
type channelState struct {
	bucketCounts  map[int64]int
	lastAnomalyMs int64 // 0 means "never"
}

type shard struct {
	mu     sync.Mutex
	states map[int64]*channelState
}

// Detector is the keyed stream operator; the key is channel_id. Each
// keyed instance owns its own PerChannelDetectorState, single-writer per
// key via its shard's mutex.
type Detector struct {
	cfg       Config
	now       func() time.Time
	shards    []shard
	metrics   *metrics.Registry
	onAnomaly func(types.AnomalyEvent)
}

// New builds a Detector. now defaults to time.Now; tests inject a
// deterministic clock.
func New(cfg Config, metricsRegistry *metrics.Registry, onAnomaly func(types.AnomalyEvent), now func() time.Time) *Detector {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if now == nil {
		now = time.Now
	}
	shards := make([]shard, cfg.Shards)
	for i := range shards {
		shards[i].states = make(map[int64]*channelState)
	}
	return &Detector{cfg: cfg, now: now, shards: shards, metrics: metricsRegistry, onAnomaly: onAnomaly}
}

// Process ingests a single chat line, applying the bot-command
// pre-filter, updating the channel's bucket counts, and emitting an
// AnomalyEvent through onAnomaly when the threshold test fires.
func (d *Detector) Process(line types.ChatLine) {
	if botCommandPattern.MatchString(line.Text) {
		if d.metrics != nil {
			d.metrics.Detector.LinesFiltered.Inc()
		}
		return
	}
	if d.metrics != nil {
		d.metrics.Detector.LinesProcessed.Inc()
	}

	sh := d.pickShard(line.ChannelID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[line.ChannelID]
	if !ok {
		st = &channelState{bucketCounts: make(map[int64]int)}
		sh.states[line.ChannelID] = st
		if d.metrics != nil {
			d.metrics.Detector.ChannelsTracked.Inc()
		}
	}

	bucket := line.TimestampMs / 1000
	st.bucketCounts[bucket]++

	nowT := d.now()
	nowSec := nowT.Unix()
	nowMs := nowT.UnixMilli()

	baselineSeconds := int64(d.cfg.BaselineWindow / time.Second)
	evictBefore := nowSec - baselineSeconds
	for b := range st.bucketCounts {
		if b < evictBefore {
			delete(st.bucketCounts, b)
		}
	}

	var countsBaseline []int
	windowSeconds := int64(d.cfg.WindowSize / time.Second)
	windowStart := nowSec - windowSeconds
	windowSum := 0
	for b, c := range st.bucketCounts {
		if b >= evictBefore && b <= nowSec {
			countsBaseline = append(countsBaseline, c)
		}
		if b >= windowStart && b <= nowSec {
			windowSum += c
		}
	}

	// Warm-up counts populated buckets, not elapsed seconds. Buckets are
	// sparse, so quiet channels never arm.
	minRequired := int(0.8 * float64(baselineSeconds))
	if len(countsBaseline) < minRequired {
		return
	}

	if len(countsBaseline) < 2 {
		return
	}
	mean, std := meanStdDev(countsBaseline)
	if std == 0 {
		return
	}

	threshold := mean + d.cfg.StdDevThreshold*std
	if float64(windowSum) <= threshold {
		return
	}

	cooldownMs := d.cfg.Cooldown.Milliseconds()
	if st.lastAnomalyMs != 0 && nowMs-st.lastAnomalyMs <= cooldownMs {
		return
	}

	st.lastAnomalyMs = nowMs
	if d.metrics != nil {
		d.metrics.Detector.AnomaliesTotal.Inc()
	}
	if d.onAnomaly != nil {
		d.onAnomaly(types.AnomalyEvent{
			ChannelID:    line.ChannelID,
			DetectedAtMs: nowMs,
			MessageCount: windowSum,
			BaselineMean: mean,
			BaselineStd:  std,
		})
	}
}

// Evict drops a channel's state entirely, e.g. on operator rescale.
// Safe: warm-up gates re-arming.
func (d *Detector) Evict(channelID int64) {
	sh := d.pickShard(channelID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.states[channelID]; ok {
		delete(sh.states, channelID)
		if d.metrics != nil {
			d.metrics.Detector.ChannelsTracked.Dec()
		}
	}
}

func (d *Detector) pickShard(channelID int64) *shard {
	idx := channelID % int64(len(d.shards))
	if idx < 0 {
		idx += int64(len(d.shards))
	}
	return &d.shards[idx]
}

// meanStdDev computes the sample mean and sample standard deviation
// (divisor n-1) of counts.
func meanStdDev(counts []int) (mean, std float64) {
	n := float64(len(counts))
	var sum float64
	for _, c := range counts {
		sum += float64(c)
	}
	mean = sum / n

	var sqDiffSum float64
	for _, c := range counts {
		d := float64(c) - mean
		sqDiffSum += d * d
	}
	std = math.Sqrt(sqDiffSum / (n - 1))
	return mean, std
}

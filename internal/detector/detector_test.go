package detector

import (
	"testing"
	"time"

	"clipdetector/internal/types"
)

func defaultConfig() Config {
	return Config{
		WindowSize:      5 * time.Second,
		BaselineWindow:  300 * time.Second,
		StdDevThreshold: 1.0,
		Cooldown:        30 * time.Second,
		Shards:          4,
	}
}

func line(channelID int64, tsMs int64, text string) types.ChatLine {
	return types.ChatLine{ChannelID: channelID, TimestampMs: tsMs, Text: text, MessageID: "m"}
}

// TestWarmUpGatesAnomalies verifies that fewer than 0.8*300=240 seconds
// of baseline history never fires an anomaly, regardless of window
// magnitude.
func TestWarmUpGatesAnomalies(t *testing.T) {
	var fired int
	clock := time.Unix(1_700_000_000, 0)
	d := New(defaultConfig(), nil, func(types.AnomalyEvent) { fired++ }, func() time.Time { return clock })

	start := clock.Add(-100 * time.Second)
	for s := int64(0); s < 100; s++ {
		ts := start.Add(time.Duration(s) * time.Second)
		clock = ts
		d.Process(line(111, ts.UnixMilli(), "hello"))
	}

	clock = start.Add(100 * time.Second)
	for i := 0; i < 50; i++ {
		d.Process(line(111, clock.UnixMilli(), "hello"))
	}

	if fired != 0 {
		t.Fatalf("expected no anomaly during warm-up, got %d", fired)
	}
}

// TestZeroVarianceBaselineNoAnomaly verifies a perfectly flat baseline
// (std == 0) never fires, even with a burst in the window.
func TestZeroVarianceBaselineNoAnomaly(t *testing.T) {
	var fired int
	base := time.Unix(1_700_000_000, 0)
	clock := base
	d := New(defaultConfig(), nil, func(types.AnomalyEvent) { fired++ }, func() time.Time { return clock })

	for s := int64(0); s < 300; s++ {
		clock = base.Add(time.Duration(s) * time.Second)
		d.Process(line(222, clock.UnixMilli(), "x"))
	}

	if fired != 0 {
		t.Fatalf("expected no anomaly with zero-variance baseline, got %d", fired)
	}
}

// TestSpikeTriggersClip drives the whole operator: a constant-rate
// baseline for 300s (std stays exactly zero, so nothing fires while
// the baseline builds), then a burst of 25 messages in one epoch
// second. The first burst messages push std to a tiny nonzero value,
// the window sum clears the threshold, and the cooldown suppresses
// every later message of the same burst: exactly one anomaly.
func TestSpikeTriggersClip(t *testing.T) {
	var events []types.AnomalyEvent
	base := time.Unix(1_700_000_000, 0)
	clock := base
	d := New(defaultConfig(), nil, func(ev types.AnomalyEvent) { events = append(events, ev) }, func() time.Time { return clock })

	for s := int64(0); s < 300; s++ {
		clock = base.Add(time.Duration(s) * time.Second)
		d.Process(line(111, clock.UnixMilli(), "hello"))
	}

	clock = base.Add(300 * time.Second)
	for i := 0; i < 25; i++ {
		d.Process(line(111, clock.UnixMilli(), "hello"))
	}

	if len(events) != 1 {
		t.Fatalf("expected exactly one anomaly, got %d", len(events))
	}
	if events[0].ChannelID != 111 {
		t.Fatalf("expected channel 111, got %d", events[0].ChannelID)
	}
	if events[0].MessageCount <= 5 {
		t.Fatalf("expected window sum above the 5-second baseline window, got %d", events[0].MessageCount)
	}
	if events[0].BaselineStd <= 0 {
		t.Fatalf("expected a nonzero baseline std at detection, got %v", events[0].BaselineStd)
	}
	if events[0].DetectedAtMs != clock.UnixMilli() {
		t.Fatalf("expected detection at the burst's wall clock, got %d", events[0].DetectedAtMs)
	}
}

// TestCooldownSuppressesSecondAnomaly verifies that two bursts 10s
// apart under a 30s cooldown yield exactly one anomaly.
func TestCooldownSuppressesSecondAnomaly(t *testing.T) {
	var fired int
	base := time.Unix(1_700_000_000, 0)
	clock := base
	d := New(defaultConfig(), nil, func(types.AnomalyEvent) { fired++ }, func() time.Time { return clock })

	for s := int64(0); s < 300; s++ {
		clock = base.Add(time.Duration(s) * time.Second)
		d.Process(line(222, clock.UnixMilli(), "hello"))
	}

	clock = base.Add(300 * time.Second)
	for i := 0; i < 25; i++ {
		d.Process(line(222, clock.UnixMilli(), "hello"))
	}

	clock = base.Add(310 * time.Second)
	for i := 0; i < 25; i++ {
		d.Process(line(222, clock.UnixMilli(), "hello"))
	}

	if fired != 1 {
		t.Fatalf("expected exactly one anomaly within cooldown window, got %d", fired)
	}
}

// TestCommandFilterStatelessness verifies that the bot-command pattern
// lets exactly 2 of the seed sequence's 4 lines through, and that
// filtering xs++ys keeps as many lines as filter(xs)++filter(ys).
func TestCommandFilterStatelessness(t *testing.T) {
	texts := []string{"!help", "hello", "!bet100", "LUL"}

	count := 0
	for _, text := range texts {
		if !botCommandPattern.MatchString(text) {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 non-command lines, got %d", count)
	}

	// Statelessness: splitting the sequence anywhere gives the same
	// total count of surviving lines.
	xs, ys := texts[:2], texts[2:]
	filterCount := func(ss []string) int {
		n := 0
		for _, s := range ss {
			if !botCommandPattern.MatchString(s) {
				n++
			}
		}
		return n
	}
	if filterCount(texts) != filterCount(xs)+filterCount(ys) {
		t.Fatalf("command filter is not stateless across concatenation")
	}
}

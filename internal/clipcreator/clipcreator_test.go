package clipcreator

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"clipdetector/internal/apierr"
	"clipdetector/internal/types"
)

type fakePlatform struct {
	mu           sync.Mutex
	createErrs   []error
	createClipID string
	createCalls  int
	getCalls     int
	meta         *PlatformClipMeta
}

func (f *fakePlatform) CreateClip(ctx context.Context, channelID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.createCalls
	f.createCalls++
	if call < len(f.createErrs) && f.createErrs[call] != nil {
		return "", f.createErrs[call]
	}
	return f.createClipID, nil
}

func (f *fakePlatform) GetClip(ctx context.Context, clipID string) (*PlatformClipMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	return f.meta, nil
}

type fakeCatalog struct {
	mu   sync.Mutex
	rows map[string]types.ClipRecord
}

func newFakeCatalog() *fakeCatalog { return &fakeCatalog{rows: make(map[string]types.ClipRecord)} }

func (f *fakeCatalog) UpsertClip(ctx context.Context, rec types.ClipRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.rows[rec.ClipID]; !exists {
		f.rows[rec.ClipID] = rec
	}
	return nil
}

// newTestCreator builds a Creator whose sleeps complete instantly but
// are recorded, so the retry schedule and processing delay can be
// asserted without real waits.
func newTestCreator(platform *fakePlatform, catalog *fakeCatalog) (*Creator, *[]time.Duration) {
	c := New(platform, catalog, nil, zap.NewNop())
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

// TestSpikePersistsClip verifies the happy path: a successful create,
// metadata fetch, and catalog upsert produce exactly one row carrying
// the anomaly's detection time.
func TestSpikePersistsClip(t *testing.T) {
	platform := &fakePlatform{
		createClipID: "C1",
		meta:         &PlatformClipMeta{EmbedURL: "e1", ThumbnailURL: "t1"},
	}
	catalog := newFakeCatalog()
	c, slept := newTestCreator(platform, catalog)

	detectedAt := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	c.Process(context.Background(), types.AnomalyEvent{ChannelID: 111, DetectedAtMs: detectedAt.UnixMilli(), MessageCount: 25})

	if platform.createCalls != 1 {
		t.Fatalf("expected 1 create call, got %d", platform.createCalls)
	}
	if platform.getCalls != 1 {
		t.Fatalf("expected 1 get_clip call, got %d", platform.getCalls)
	}
	if len(catalog.rows) != 1 {
		t.Fatalf("expected exactly 1 catalog row, got %d", len(catalog.rows))
	}
	row := catalog.rows["C1"]
	if row.ChannelID != 111 || row.EmbedURL != "e1" || row.ThumbnailURL != "t1" {
		t.Fatalf("unexpected catalog row: %+v", row)
	}
	if !row.DetectedAt.Equal(detectedAt) {
		t.Fatalf("expected detected_at %v, got %v", detectedAt, row.DetectedAt)
	}
	if len(*slept) != 1 || (*slept)[0] != processingDelay {
		t.Fatalf("expected a single %v processing delay, got %v", processingDelay, *slept)
	}
}

// TestRetryScheduleOnTransient verifies the delay schedule's length is
// the authoritative attempt bound: transient 500s on the first two
// attempts are retried after 3s and 6s, and the third attempt wins.
func TestRetryScheduleOnTransient(t *testing.T) {
	transient := apierr.New(apierr.Transient, http.StatusInternalServerError, "create_clip failed", nil)
	platform := &fakePlatform{
		createErrs:   []error{transient, transient},
		createClipID: "C2",
		meta:         &PlatformClipMeta{EmbedURL: "e2", ThumbnailURL: "t2"},
	}
	catalog := newFakeCatalog()
	c, slept := newTestCreator(platform, catalog)

	c.Process(context.Background(), types.AnomalyEvent{ChannelID: 222, DetectedAtMs: 1})

	if platform.createCalls != 3 {
		t.Fatalf("expected 3 create attempts, got %d", platform.createCalls)
	}
	want := []time.Duration{3 * time.Second, 6 * time.Second, processingDelay}
	if len(*slept) != len(want) {
		t.Fatalf("expected sleeps %v, got %v", want, *slept)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Fatalf("expected sleeps %v, got %v", want, *slept)
		}
	}
	if len(catalog.rows) != 1 {
		t.Fatalf("expected 1 catalog row after retries, got %d", len(catalog.rows))
	}
}

// TestPermanentFailureStopsRetries verifies a 403 on the first attempt
// means no retry, no processing delay, no get_clip call, and no
// catalog row.
func TestPermanentFailureStopsRetries(t *testing.T) {
	forbidden := apierr.New(apierr.Permanent, http.StatusForbidden, "create_clip failed", nil)
	platform := &fakePlatform{createErrs: []error{forbidden, forbidden, forbidden}}
	catalog := newFakeCatalog()
	c, slept := newTestCreator(platform, catalog)

	c.Process(context.Background(), types.AnomalyEvent{ChannelID: 333, DetectedAtMs: 1})

	if platform.createCalls != 1 {
		t.Fatalf("expected exactly 1 create attempt on permanent failure, got %d", platform.createCalls)
	}
	if platform.getCalls != 0 {
		t.Fatalf("expected no get_clip call, got %d", platform.getCalls)
	}
	if len(*slept) != 0 {
		t.Fatalf("expected no sleeps on permanent failure, got %v", *slept)
	}
	if len(catalog.rows) != 0 {
		t.Fatalf("expected no catalog row, got %d", len(catalog.rows))
	}
}

// TestExhaustedRetriesEndsPipeline verifies the pipeline stops cleanly
// after all attempts fail transiently.
func TestExhaustedRetriesEndsPipeline(t *testing.T) {
	transient := apierr.New(apierr.Transient, http.StatusBadGateway, "create_clip failed", nil)
	platform := &fakePlatform{createErrs: []error{transient, transient, transient}}
	catalog := newFakeCatalog()
	c, _ := newTestCreator(platform, catalog)

	c.Process(context.Background(), types.AnomalyEvent{ChannelID: 444, DetectedAtMs: 1})

	if platform.createCalls != 3 {
		t.Fatalf("expected 3 create attempts, got %d", platform.createCalls)
	}
	if platform.getCalls != 0 {
		t.Fatalf("expected no get_clip call after exhaustion, got %d", platform.getCalls)
	}
	if len(catalog.rows) != 0 {
		t.Fatalf("expected no catalog row, got %d", len(catalog.rows))
	}
}

// TestMetaMissingWritesNoRow verifies a clip that never materializes
// ends the pipeline with no catalog write.
func TestMetaMissingWritesNoRow(t *testing.T) {
	platform := &fakePlatform{createClipID: "C3", meta: nil}
	catalog := newFakeCatalog()
	c, _ := newTestCreator(platform, catalog)

	c.Process(context.Background(), types.AnomalyEvent{ChannelID: 555, DetectedAtMs: 1})

	if platform.getCalls != 1 {
		t.Fatalf("expected 1 get_clip call, got %d", platform.getCalls)
	}
	if len(catalog.rows) != 0 {
		t.Fatalf("expected no catalog row when metadata is missing, got %d", len(catalog.rows))
	}
}

// TestDuplicateDeliveryIsIdempotent verifies at-least-once delivery of
// the same anomaly leaves exactly one row, relying on the catalog's
// conflict target on clip_id.
func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	platform := &fakePlatform{
		createClipID: "C4",
		meta:         &PlatformClipMeta{EmbedURL: "e4", ThumbnailURL: "t4"},
	}
	catalog := newFakeCatalog()
	c, _ := newTestCreator(platform, catalog)

	ev := types.AnomalyEvent{ChannelID: 666, DetectedAtMs: 1}
	c.Process(context.Background(), ev)
	c.Process(context.Background(), ev)

	if len(catalog.rows) != 1 {
		t.Fatalf("expected exactly 1 row after duplicate delivery, got %d", len(catalog.rows))
	}
}

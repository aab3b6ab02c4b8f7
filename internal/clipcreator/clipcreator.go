// Package clipcreator consumes anomaly events, orchestrates bounded
// clip-creation retries, waits out the platform's processing delay,
// fetches clip metadata, and performs the idempotent catalog upsert.
package clipcreator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"clipdetector/internal/apierr"
	"clipdetector/internal/metrics"
	"clipdetector/internal/types"
)

// retryDelays is the authoritative retry schedule: its length bounds
// the number of attempts, not a separately tracked max-attempts
// constant.
var retryDelays = []time.Duration{0, 3 * time.Second, 6 * time.Second}

const processingDelay = 15 * time.Second

// PlatformClient is the subset of platform.Client the clip creator
// depends on.
type PlatformClient interface {
	CreateClip(ctx context.Context, channelID int64) (string, error)
	GetClip(ctx context.Context, clipID string) (*PlatformClipMeta, error)
}

// PlatformClipMeta mirrors platform.ClipMeta without coupling this
// package to the platform client's concrete type.
type PlatformClipMeta struct {
	EmbedURL     string
	ThumbnailURL string
}

// Catalog is the subset of catalog.Store the clip creator depends on.
type Catalog interface {
	UpsertClip(ctx context.Context, rec types.ClipRecord) error
}

// Creator processes AnomalyEvents independently; concurrent anomalies
// for different channels may run in parallel, but writes to the same
// clip_id are naturally idempotent via the catalog's conflict target.
type Creator struct {
	platform PlatformClient
	catalog  Catalog
	metrics  *metrics.Registry
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(platform PlatformClient, catalog Catalog, metricsRegistry *metrics.Registry, logger *zap.Logger) *Creator {
	return &Creator{platform: platform, catalog: catalog, metrics: metricsRegistry, logger: logger, sleep: interruptibleSleep}
}

// Process runs the full state machine for a single anomaly:
// RECEIVED -> CREATING -> (CREATED | CREATE_FAILED_PERMANENT |
// CREATE_FAILED_EXHAUSTED) -> WAITING -> FETCHING_META -> (PERSISTED |
// META_MISSING | DB_FAILED). None of the terminal states block later
// anomalies for other channels.
func (c *Creator) Process(ctx context.Context, ev types.AnomalyEvent) {
	clipID, err := c.create(ctx, ev.ChannelID)
	if err != nil {
		return // already logged and metered inside create
	}

	if err := c.sleep(ctx, processingDelay); err != nil {
		c.logger.Info("clip creator interrupted during processing delay", zap.String("clip_id", clipID))
		return
	}

	meta, err := c.platform.GetClip(ctx, clipID)
	if err != nil {
		c.logger.Error("get_clip failed", zap.String("clip_id", clipID), zap.Error(err))
		return
	}
	if meta == nil {
		c.logger.Info("clip metadata missing, ending pipeline", zap.String("clip_id", clipID))
		if c.metrics != nil {
			c.metrics.ClipCreator.MetaMissing.Inc()
		}
		return
	}

	rec := types.ClipRecord{
		ChannelID:    ev.ChannelID,
		ClipID:       clipID,
		EmbedURL:     meta.EmbedURL,
		ThumbnailURL: meta.ThumbnailURL,
		DetectedAt:   time.UnixMilli(ev.DetectedAtMs).UTC(),
	}
	if err := c.catalog.UpsertClip(ctx, rec); err != nil {
		c.logger.Error("catalog upsert failed", zap.String("clip_id", clipID), zap.Error(err))
		if c.metrics != nil {
			c.metrics.ClipCreator.DBFailed.Inc()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.ClipCreator.Persisted.Inc()
	}
}

// create attempts create_clip up to len(retryDelays) times, spaced by
// the schedule's delays, aborting immediately on a permanent
// classification.
func (c *Creator) create(ctx context.Context, channelID int64) (string, error) {
	var lastErr error
	for attempt, delay := range retryDelays {
		if delay > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return "", err
			}
		}

		if c.metrics != nil {
			c.metrics.ClipCreator.CreateAttempts.Inc()
		}
		clipID, err := c.platform.CreateClip(ctx, channelID)
		if err == nil && clipID != "" {
			if c.metrics != nil {
				c.metrics.ClipCreator.CreateSucceeded.Inc()
			}
			return clipID, nil
		}

		lastErr = err
		if apiErr, ok := err.(*apierr.Error); ok && apiErr.Kind == apierr.Permanent {
			c.logger.Info("create_clip permanent failure, aborting retries",
				zap.Int64("channel_id", channelID), zap.Int("attempt", attempt+1), zap.Error(err))
			if c.metrics != nil {
				c.metrics.ClipCreator.CreatePermanent.Inc()
			}
			return "", err
		}
		c.logger.Warn("create_clip attempt failed, retrying",
			zap.Int64("channel_id", channelID), zap.Int("attempt", attempt+1), zap.Error(err))
	}

	c.logger.Error("create_clip exhausted all retries", zap.Int64("channel_id", channelID), zap.Error(lastErr))
	if c.metrics != nil {
		c.metrics.ClipCreator.CreateExhausted.Inc()
	}
	return "", lastErr
}

// interruptibleSleep waits for d or returns early with ctx.Err() if ctx
// is canceled, so retry waits and the processing delay honor shutdown.
func interruptibleSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

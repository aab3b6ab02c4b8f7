// Package catalog is the Postgres-backed store for the clips and
// streamers tables: the durable output of the clip creator and the
// fleet monitor's streamer bookkeeping.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"clipdetector/internal/apierr"
	"clipdetector/internal/types"
)

// Store wraps a pooled Postgres connection.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres with the pool bounds the concurrency model
// prescribes (2-10 connections). A failure here is Fatal.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, apierr.Fatalf("connect to catalog database: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, apierr.Fatalf("ping catalog database: %v", err)
	}

	return &Store{db: db}, nil
}

// Migrate applies pending schema migrations from migrationsPath.
func Migrate(dsn, migrationsPath string) error {
	m, err := migrate.New("file://"+migrationsPath, dsn)
	if err != nil {
		return apierr.Fatalf("init migrator: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return apierr.Fatalf("apply migrations: %v", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertClip inserts a clip row, ignoring conflicts on clip_id — the
// upsert the clip creator relies on is idempotent by construction.
func (s *Store) UpsertClip(ctx context.Context, rec types.ClipRecord) error {
	const q = `
		INSERT INTO clips (broadcaster_id, clip_id, embed_url, thumbnail_url, detected_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (clip_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, q, rec.ChannelID, rec.ClipID, rec.EmbedURL, rec.ThumbnailURL, rec.DetectedAt)
	if err != nil {
		return apierr.Transientf("upsert clip %s: %v", rec.ClipID, err)
	}
	return nil
}

// UpsertStreamer records that a streamer was seen live at now.
func (s *Store) UpsertStreamer(ctx context.Context, channelID int64, login string, now time.Time) error {
	const q = `
		INSERT INTO streamers (streamer_id, streamer_login, last_seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (streamer_id) DO UPDATE SET streamer_login = EXCLUDED.streamer_login, last_seen_at = EXCLUDED.last_seen_at`
	_, err := s.db.ExecContext(ctx, q, channelID, login, now)
	if err != nil {
		return apierr.Transientf("upsert streamer %s: %v", login, err)
	}
	return nil
}

// ClipsByBroadcaster lists the clips recorded for a single broadcaster,
// newest first. Backs cmd/catalog-api's read endpoint.
func (s *Store) ClipsByBroadcaster(ctx context.Context, broadcasterID int64, limit int) ([]types.ClipRecord, error) {
	const q = `
		SELECT broadcaster_id, clip_id, embed_url, thumbnail_url, detected_at
		FROM clips
		WHERE broadcaster_id = $1
		ORDER BY detected_at DESC
		LIMIT $2`

	rows, err := s.db.QueryxContext(ctx, q, broadcasterID, limit)
	if err != nil {
		return nil, apierr.Transientf("query clips for broadcaster %d: %v", broadcasterID, err)
	}
	defer rows.Close()

	var out []types.ClipRecord
	for rows.Next() {
		var r struct {
			BroadcasterID int64     `db:"broadcaster_id"`
			ClipID        string    `db:"clip_id"`
			EmbedURL      string    `db:"embed_url"`
			ThumbnailURL  string    `db:"thumbnail_url"`
			DetectedAt    time.Time `db:"detected_at"`
		}
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("scan clip row: %w", err)
		}
		out = append(out, types.ClipRecord{
			ChannelID:    r.BroadcasterID,
			ClipID:       r.ClipID,
			EmbedURL:     r.EmbedURL,
			ThumbnailURL: r.ThumbnailURL,
			DetectedAt:   r.DetectedAt,
		})
	}
	return out, rows.Err()
}

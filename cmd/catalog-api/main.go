// Command catalog-api is a minimal read-only HTTP surface over the clip
// catalog: GET /clips?broadcaster_id=. It exists only to give the clip
// creator's writes an observable reader in this repository — no auth,
// no pagination beyond a fixed limit, no static asset serving.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"clipdetector/internal/catalog"
	"clipdetector/internal/config"
	"clipdetector/internal/logging"
	"clipdetector/internal/types"
)

const defaultClipLimit = 50

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	store, err := catalog.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to open catalog", zap.Error(err))
	}
	defer store.Close()

	router := newRouter(store, logger)

	httpServer := &http.Server{
		Addr:         cfg.CatalogAPIAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("catalog-api listening", zap.String("addr", cfg.CatalogAPIAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("catalog-api server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("catalog-api shutdown error", zap.Error(err))
	}
}

func newRouter(store *catalog.Store, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Get("/clips", func(w http.ResponseWriter, r *http.Request) {
		broadcasterIDParam := r.URL.Query().Get("broadcaster_id")
		if broadcasterIDParam == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "broadcaster_id is required"})
			return
		}
		broadcasterID, err := strconv.ParseInt(broadcasterIDParam, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "broadcaster_id must be an integer"})
			return
		}

		clips, err := store.ClipsByBroadcaster(r.Context(), broadcasterID, defaultClipLimit)
		if err != nil {
			logger.Error("clips query failed", zap.Int64("broadcaster_id", broadcasterID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"clips": toResponseClips(clips)})
	})

	return r
}

type clipResponse struct {
	BroadcasterID int64  `json:"broadcaster_id"`
	ClipID        string `json:"clip_id"`
	EmbedURL      string `json:"embed_url"`
	ThumbnailURL  string `json:"thumbnail_url"`
	DetectedAt    string `json:"detected_at"`
}

func toResponseClips(clips []types.ClipRecord) []clipResponse {
	out := make([]clipResponse, 0, len(clips))
	for _, c := range clips {
		out = append(out, clipResponse{
			BroadcasterID: c.ChannelID,
			ClipID:        c.ClipID,
			EmbedURL:      c.EmbedURL,
			ThumbnailURL:  c.ThumbnailURL,
			DetectedAt:    c.DetectedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

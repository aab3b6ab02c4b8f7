// Command monitor is the single long-running daemon that composes the
// credential store, platform client, fleet monitor, spike detector, and
// clip creator behind one signal-driven lifecycle. Only one instance is
// meant to run at a time; the fleet monitor's join/leave state is not
// sharded across replicas.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"clipdetector/internal/catalog"
	"clipdetector/internal/chattransport"
	"clipdetector/internal/clipcreator"
	"clipdetector/internal/config"
	"clipdetector/internal/credential"
	"clipdetector/internal/detector"
	"clipdetector/internal/eventbus"
	"clipdetector/internal/logging"
	"clipdetector/internal/metrics"
	"clipdetector/internal/monitor"
	"clipdetector/internal/onlinecache"
	"clipdetector/internal/platform"
	"clipdetector/internal/types"
)

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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("fatal startup error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	metricsRegistry := metrics.NewRegistry()

	credStore := credential.NewStore(cfg.TwitchTokenFile)
	if _, err := credStore.Load(); err != nil {
		return fmt.Errorf("load seeded credential: %w", err)
	}

	platformClient := platform.NewClient(cfg.TwitchClientID, cfg.TwitchClientSecret, "", "", credStore)

	catalogStore, err := catalog.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer catalogStore.Close()

	if err := catalog.Migrate(cfg.DatabaseURL, "migrations"); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}

	cache, err := onlinecache.Connect(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect online cache: %w", err)
	}
	defer cache.Close()

	bus, err := eventbus.Connect(eventbus.DefaultConfig(cfg.NATSURL), metricsRegistry, logger)
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer bus.Close()

	clipCreator := clipcreator.New(clipPlatformAdapter{platformClient}, catalogStore, metricsRegistry, logger)

	spikeDetector := detector.New(detector.Config{
		WindowSize:      cfg.WindowSize(),
		BaselineWindow:  cfg.BaselineWindow(),
		StdDevThreshold: cfg.StdDevThreshold,
		Cooldown:        cfg.Cooldown(),
		Shards:          cfg.DetectorParallelism,
	}, metricsRegistry, func(ev types.AnomalyEvent) {
		// Anomalies for different channels may be processed concurrently;
		// the catalog's ON CONFLICT (clip_id) target makes repeated
		// delivery for the same clip idempotent.
		go clipCreator.Process(context.Background(), ev)
	}, nil)

	sub, err := bus.Subscribe(eventbus.SubjectBuilder.ChatMessagesWildcard(), func(subject string, data []byte) {
		line, err := eventbus.DecodeChatLine(data)
		if err != nil {
			logger.Warn("dropping malformed chat-messages payload", zap.String("subject", subject), zap.Error(err))
			return
		}
		spikeDetector.Process(line)
	})
	if err != nil {
		return fmt.Errorf("subscribe chat-messages: %w", err)
	}
	defer sub.Unsubscribe() // nolint:errcheck

	fleetMonitor := monitor.New(monitor.Config{
		PollInterval:   cfg.PollInterval(),
		JoinThreshold:  cfg.JoinThreshold,
		LeaveThreshold: cfg.LeaveThreshold,
		StreamerTTL:    cfg.StreamerTTL(),
	}, platformClient, cache, catalogStore, bus, newChatSession(credStore, logger), metricsRegistry, logger, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHTTPServer(ctx, cfg.MetricsAddr, metricsRegistry, logger)
	}()

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		fleetMonitor.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("metrics http server error", zap.Error(err))
		}
		stop()
	}

	<-monitorDone
	logger.Info("fleet monitor stopped")
	return nil
}

// clipPlatformAdapter adapts platform.Client's ClipMeta to the narrower
// shape clipcreator.PlatformClient depends on, so the clip creator never
// imports the platform package directly.
type clipPlatformAdapter struct {
	client *platform.Client
}

func (a clipPlatformAdapter) CreateClip(ctx context.Context, channelID int64) (string, error) {
	return a.client.CreateClip(ctx, channelID)
}

func (a clipPlatformAdapter) GetClip(ctx context.Context, clipID string) (*clipcreator.PlatformClipMeta, error) {
	meta, err := a.client.GetClip(ctx, clipID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}
	return &clipcreator.PlatformClipMeta{EmbedURL: meta.EmbedURL, ThumbnailURL: meta.ThumbnailURL}, nil
}

// newChatSession returns the monitor's lazy chat-transport constructor:
// an anonymous read-only IRC-over-WebSocket login (the justinfanNNNNN
// convention Twitch's own chat clients use for unauthenticated reads),
// with the seeded user credential's access token offered as the IRC
// password so an already-scoped connection is available if the
// transport is later upgraded to also send messages.
func newChatSession(credStore *credential.Store, logger *zap.Logger) func(ctx context.Context) (monitor.ChatSession, error) {
	return func(ctx context.Context) (monitor.ChatSession, error) {
		cred, err := credStore.Load()
		if err != nil {
			return nil, fmt.Errorf("load credential for chat transport: %w", err)
		}
		nick := fmt.Sprintf("justinfan%d", time.Now().UnixNano()%100000)
		sess, err := chattransport.NewSession(ctx, "", nick, cred.AccessToken, logger)
		if err != nil {
			return nil, err
		}
		return newChatSessionAdapter(sess), nil
	}
}

// chatSessionAdapter bridges chattransport.IncomingMessage to
// monitor.IncomingMessage so the monitor package stays decoupled from
// the concrete transport's wire type.
type chatSessionAdapter struct {
	sess *chattransport.Session
	out  chan monitor.IncomingMessage
}

func newChatSessionAdapter(sess *chattransport.Session) *chatSessionAdapter {
	a := &chatSessionAdapter{sess: sess, out: make(chan monitor.IncomingMessage, 256)}
	go a.translate()
	return a
}

func (a *chatSessionAdapter) translate() {
	defer close(a.out)
	for msg := range a.sess.Incoming() {
		a.out <- monitor.IncomingMessage{
			RoomName:     msg.RoomName,
			Text:         msg.Text,
			UserID:       msg.UserID,
			UserName:     msg.UserName,
			Badges:       msg.Badges,
			IsSubscriber: msg.IsSubscriber,
			IsMod:        msg.IsMod,
		}
	}
}

func (a *chatSessionAdapter) Join(login string) error { return a.sess.Join(login) }
func (a *chatSessionAdapter) Part(login string) error { return a.sess.Part(login) }

func (a *chatSessionAdapter) Incoming() <-chan monitor.IncomingMessage { return a.out }

func (a *chatSessionAdapter) Close() error { return a.sess.Close() }

func runHTTPServer(ctx context.Context, addr string, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	mux.Handle("/metrics", metricsRegistry.Handler())

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

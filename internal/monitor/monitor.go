// Package monitor implements the fleet monitor: the long-running
// supervisor that maintains the rolling set of interesting channels
// using a hysteresis rule, manages chat-room membership, pumps chat
// lines onto the event bus, and emits lifecycle events.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clipdetector/internal/metrics"
	"clipdetector/internal/types"
)

// PlatformClient is the subset of platform.Client the monitor depends on.
type PlatformClient interface {
	ListTopLive(ctx context.Context, n int) ([]types.RankedChannel, error)
}

// Cache is the subset of onlinecache.Cache the monitor depends on.
type Cache interface {
	SetOnlineIfAbsent(ctx context.Context, login string, channelID int64, ttl time.Duration) (created bool, err error)
	Exists(ctx context.Context, login string) (bool, error)
}

// Catalog is the subset of catalog.Store the monitor depends on.
type Catalog interface {
	UpsertStreamer(ctx context.Context, channelID int64, login string, now time.Time) error
}

// EventBus is the subset of eventbus.Bus the monitor depends on.
type EventBus interface {
	PublishChatLine(types.ChatLine) error
	PublishLifecycle(types.LifecycleEvent) error
	Flush(timeout time.Duration) error
}

// IncomingMessage mirrors chattransport.IncomingMessage without coupling
// the monitor package to the transport's concrete type.
type IncomingMessage struct {
	RoomName     string
	Text         string
	UserID       int64
	UserName     string
	Badges       map[string]string
	IsSubscriber bool
	IsMod        bool
}

// ChatSession is the subset of chattransport.Session the monitor depends
// on.
type ChatSession interface {
	Join(login string) error
	Part(login string) error
	Incoming() <-chan IncomingMessage
	Close() error
}

// Config holds the monitor's tunable constants.
type Config struct {
	PollInterval   time.Duration
	JoinThreshold  int
	LeaveThreshold int
	StreamerTTL    time.Duration
}

// Monitor is the fleet monitor's single-writer state machine.
type Monitor struct {
	cfg      Config
	platform PlatformClient
	cache    Cache
	catalog  Catalog
	bus      EventBus
	newChat  func(ctx context.Context) (ChatSession, error)
	logger   *zap.Logger
	metrics  *metrics.Registry
	now      func() time.Time

	joinedChannels map[string]bool

	idMu      sync.RWMutex
	loginToID map[string]int64

	chat       ChatSession
	chatDoneWg sync.WaitGroup
}

// New builds a Monitor. newChat lazily constructs the chat transport on
// the first non-empty to_join set.
func New(cfg Config, platform PlatformClient, cache Cache, catalog Catalog, bus EventBus, newChat func(ctx context.Context) (ChatSession, error), metricsRegistry *metrics.Registry, logger *zap.Logger, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		cfg:            cfg,
		platform:       platform,
		cache:          cache,
		catalog:        catalog,
		bus:            bus,
		newChat:        newChat,
		logger:         logger,
		metrics:        metricsRegistry,
		now:            now,
		joinedChannels: make(map[string]bool),
		loginToID:      make(map[string]int64),
	}
}

// Run drives the poll loop until ctx is canceled, then executes the
// shutdown sequence: stop accepting ticks, close the chat session, flush
// the bus with a 10-second deadline. The bus, cache and catalog handles
// are not closed here; the caller owns them.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) shutdown() {
	if m.chat != nil {
		_ = m.chat.Close()
	}
	m.chatDoneWg.Wait()

	if err := m.bus.Flush(10 * time.Second); err != nil {
		m.logger.Warn("event bus flush on shutdown failed", zap.Error(err))
	}
}

// tick executes a single poll: refresh the live ranking, converge
// hysteresis membership, and emit lifecycle events. Poll errors are
// logged and counted; joined_channels is left untouched.
func (m *Monitor) tick(ctx context.Context) {
	if m.metrics != nil {
		m.metrics.Monitor.PollsTotal.Inc()
	}

	ranking, err := m.platform.ListTopLive(ctx, m.cfg.LeaveThreshold)
	if err != nil {
		m.logger.Error("poll failed", zap.Error(err))
		if m.metrics != nil {
			m.metrics.Monitor.PollErrorsTotal.Inc()
		}
		return
	}

	topJoin := make(map[string]types.RankedChannel)
	topLeave := make(map[string]types.RankedChannel)
	for _, rc := range ranking {
		if rc.Rank <= m.cfg.JoinThreshold {
			topJoin[rc.Login] = rc
		}
		if rc.Rank <= m.cfg.LeaveThreshold {
			topLeave[rc.Login] = rc
		}
	}

	m.idMu.Lock()
	for _, rc := range ranking {
		m.loginToID[rc.Login] = rc.ChannelID
	}
	m.idMu.Unlock()

	nowT := m.now()
	for _, rc := range ranking {
		created, err := m.cache.SetOnlineIfAbsent(ctx, rc.Login, rc.ChannelID, m.cfg.StreamerTTL)
		if err != nil {
			m.logger.Error("online_cache set failed", zap.String("login", rc.Login), zap.Error(err))
			continue
		}
		if created {
			if _, isTopJoin := topJoin[rc.Login]; isTopJoin {
				m.emitLifecycle(types.LifecycleEvent{
					EventType:  types.LifecycleOnline,
					ChannelID:  rc.ChannelID,
					Login:      rc.Login,
					Rank:       rc.Rank,
					TimestampS: nowT.Unix(),
				})
			}
			if err := m.catalog.UpsertStreamer(ctx, rc.ChannelID, rc.Login, nowT); err != nil {
				m.logger.Error("streamer catalog upsert failed", zap.String("login", rc.Login), zap.Error(err))
			}
		}
	}

	toJoin := make([]types.RankedChannel, 0)
	for login, rc := range topJoin {
		if !m.joinedChannels[login] {
			toJoin = append(toJoin, rc)
		}
	}
	toLeave := make([]string, 0)
	for login := range m.joinedChannels {
		if _, stillTop := topLeave[login]; !stillTop {
			toLeave = append(toLeave, login)
		}
	}

	if len(toJoin) > 0 && m.chat == nil {
		chat, err := m.newChat(ctx)
		if err != nil {
			m.logger.Error("chat transport lazy-init failed", zap.Error(err))
			return
		}
		m.chat = chat
		m.chatDoneWg.Add(1)
		go func() {
			defer m.chatDoneWg.Done()
			m.pumpChat(chat.Incoming())
		}()
	}

	for _, rc := range toJoin {
		if err := m.chat.Join(rc.Login); err != nil {
			m.logger.Error("chat join failed", zap.String("login", rc.Login), zap.Error(err))
			continue
		}
		m.joinedChannels[rc.Login] = true
	}
	if m.metrics != nil {
		m.metrics.Monitor.JoinedChannels.Set(float64(len(m.joinedChannels)))
	}

	for _, login := range toLeave {
		if m.chat != nil {
			if err := m.chat.Part(login); err != nil {
				m.logger.Error("chat part failed", zap.String("login", login), zap.Error(err))
			}
		}
		delete(m.joinedChannels, login)

		stillOnline, err := m.cache.Exists(ctx, login)
		if err != nil {
			m.logger.Error("online_cache exists check failed", zap.String("login", login), zap.Error(err))
			continue
		}
		if !stillOnline {
			channelID := m.resolveChannelID(login)
			m.emitLifecycle(types.LifecycleEvent{
				EventType:  types.LifecycleOffline,
				ChannelID:  channelID,
				Login:      login,
				Rank:       0,
				TimestampS: nowT.Unix(),
			})
		}
	}
	if m.metrics != nil {
		m.metrics.Monitor.JoinedChannels.Set(float64(len(m.joinedChannels)))
	}
}

func (m *Monitor) emitLifecycle(ev types.LifecycleEvent) {
	if err := m.bus.PublishLifecycle(ev); err != nil {
		m.logger.Error("lifecycle publish failed", zap.String("login", ev.Login), zap.Error(err))
	}
	if m.metrics != nil {
		m.metrics.Monitor.LifecycleEvents.WithLabelValues(string(ev.EventType)).Inc()
	}
}

func (m *Monitor) resolveChannelID(login string) int64 {
	m.idMu.RLock()
	defer m.idMu.RUnlock()
	return m.loginToID[login]
}

// pumpChat synthesizes ChatLines from incoming chat-transport messages
// and hands them off to the event bus. Messages for an unknown room are
// silently dropped.
func (m *Monitor) pumpChat(incoming <-chan IncomingMessage) {
	for msg := range incoming {
		channelID := m.resolveChannelID(msg.RoomName)
		if channelID == 0 {
			if m.metrics != nil {
				m.metrics.Monitor.ChatLinesDropped.Inc()
			}
			continue
		}

		line := types.ChatLine{
			ChannelID:   channelID,
			TimestampMs: m.now().UnixMilli(),
			MessageID:   uuid.NewString(),
			Text:        msg.Text,
			UserID:      msg.UserID,
			UserName:    msg.UserName,
			Metadata: types.ChatMetadata{
				Badges:       msg.Badges,
				IsSubscriber: msg.IsSubscriber,
				IsMod:        msg.IsMod,
			},
		}

		if err := m.bus.PublishChatLine(line); err != nil {
			m.logger.Error("chat line publish failed", zap.Int64("channel_id", channelID), zap.Error(err))
			continue
		}
		if m.metrics != nil {
			m.metrics.Monitor.ChatLinesPublished.Inc()
		}
	}
}

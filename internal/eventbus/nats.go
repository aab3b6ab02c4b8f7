// Package eventbus publishes chat lines and lifecycle transitions onto
// the NATS-backed event bus topics the spike detector and downstream
// consumers read from.
package eventbus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"clipdetector/internal/apierr"
	"clipdetector/internal/metrics"
	"clipdetector/internal/types"
)

// Subjects builds the NATS subjects the fleet monitor publishes to and
// the spike detector subscribes to, keyed by channel id.
type Subjects struct{}

func (Subjects) ChatMessages(channelID int64) string {
	return fmt.Sprintf("chat-messages.%d", channelID)
}

func (Subjects) ChatMessagesWildcard() string {
	return "chat-messages.*"
}

func (Subjects) StreamLifecycle(channelID int64) string {
	return fmt.Sprintf("stream-lifecycle.%d", channelID)
}

func (Subjects) StreamLifecycleWildcard() string {
	return "stream-lifecycle.*"
}

var SubjectBuilder = Subjects{}

// chatMessageWire is the wire shape for the chat-messages topic.
type chatMessageWire struct {
	BroadcasterID int64            `json:"broadcaster_id"`
	Timestamp     int64            `json:"timestamp"`
	MessageID     string           `json:"message_id"`
	Text          string           `json:"text"`
	UserID        int64            `json:"user_id"`
	UserName      string           `json:"user_name"`
	Metadata      chatMetadataWire `json:"metadata"`
}

type chatMetadataWire struct {
	Emotes       map[string]string `json:"emotes"`
	Badges       map[string]string `json:"badges"`
	IsSubscriber bool              `json:"is_subscriber"`
	IsMod        bool              `json:"is_mod"`
}

// lifecycleWire is the wire shape for the stream-lifecycle topic.
type lifecycleWire struct {
	EventType        string `json:"event_type"`
	BroadcasterID    int64  `json:"broadcaster_id"`
	BroadcasterLogin string `json:"broadcaster_login"`
	Rank             int    `json:"rank"`
	Timestamp        int64  `json:"timestamp"`
}

// Bus publishes to the event bus and is safe for concurrent use.
type Bus struct {
	conn    *nats.Conn
	metrics *metrics.Registry
	logger  *zap.Logger
}

// Config holds the NATS connection tuning knobs.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// Connect opens the NATS connection. A failure here is Fatal: the
// monitor cannot start without its event bus.
func Connect(cfg Config, metricsRegistry *metrics.Registry, logger *zap.Logger) (*Bus, error) {
	b := &Bus{metrics: metricsRegistry, logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(b.onConnect),
		nats.DisconnectErrHandler(b.onDisconnect),
		nats.ReconnectHandler(b.onReconnect),
		nats.ErrorHandler(b.onError),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, apierr.Fatalf("connect to event bus: %v", err)
	}
	b.conn = conn
	return b, nil
}

func (b *Bus) onConnect(conn *nats.Conn) {
	b.logger.Info("event bus connected", zap.String("url", conn.ConnectedUrl()))
}

func (b *Bus) onDisconnect(conn *nats.Conn, err error) {
	if err != nil {
		b.logger.Warn("event bus disconnected", zap.Error(err))
		b.metrics.RecordError("eventbus_disconnect")
	}
}

func (b *Bus) onReconnect(conn *nats.Conn) {
	b.logger.Info("event bus reconnected", zap.String("url", conn.ConnectedUrl()))
}

func (b *Bus) onError(conn *nats.Conn, sub *nats.Subscription, err error) {
	b.logger.Error("event bus error", zap.Error(err))
	b.metrics.RecordError("eventbus_error")
}

// PublishChatLine publishes a ChatLine to chat-messages, keyed by
// channel id, in the wire shape pinned by the external interface.
func (b *Bus) PublishChatLine(line types.ChatLine) error {
	wire := chatMessageWire{
		BroadcasterID: line.ChannelID,
		Timestamp:     line.TimestampMs,
		MessageID:     line.MessageID,
		Text:          line.Text,
		UserID:        line.UserID,
		UserName:      line.UserName,
		Metadata: chatMetadataWire{
			Emotes:       map[string]string{},
			Badges:       line.Metadata.Badges,
			IsSubscriber: line.Metadata.IsSubscriber,
			IsMod:        line.Metadata.IsMod,
		},
	}
	return b.publishJSON(SubjectBuilder.ChatMessages(line.ChannelID), wire)
}

// PublishLifecycle publishes a LifecycleEvent to stream-lifecycle, keyed
// by channel id.
func (b *Bus) PublishLifecycle(ev types.LifecycleEvent) error {
	wire := lifecycleWire{
		EventType:        string(ev.EventType),
		BroadcasterID:    ev.ChannelID,
		BroadcasterLogin: ev.Login,
		Rank:             ev.Rank,
		Timestamp:        ev.TimestampS,
	}
	return b.publishJSON(SubjectBuilder.StreamLifecycle(ev.ChannelID), wire)
}

func (b *Bus) publishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apierr.Permanentf("marshal event bus payload: %v", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.metrics.RecordError("eventbus_publish")
		return apierr.Transientf("publish to %s: %v", subject, err)
	}
	return nil
}

// Subscribe registers handler for every message on subject.
func (b *Bus) Subscribe(subject string, handler func(subject string, data []byte)) (*nats.Subscription, error) {
	return b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
}

// DecodeChatLine parses a chat-messages wire payload back into a
// ChatLine, for the spike detector's subscription side.
func DecodeChatLine(data []byte) (types.ChatLine, error) {
	var wire chatMessageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return types.ChatLine{}, apierr.Permanentf("decode chat-messages payload: %v", err)
	}
	return types.ChatLine{
		ChannelID:   wire.BroadcasterID,
		TimestampMs: wire.Timestamp,
		MessageID:   wire.MessageID,
		Text:        wire.Text,
		UserID:      wire.UserID,
		UserName:    wire.UserName,
		Metadata: types.ChatMetadata{
			Badges:       wire.Metadata.Badges,
			IsSubscriber: wire.Metadata.IsSubscriber,
			IsMod:        wire.Metadata.IsMod,
		},
	}, nil
}

// ChannelIDFromSubject extracts the trailing channel id from a concrete
// chat-messages/stream-lifecycle subject.
func ChannelIDFromSubject(subject string) (int64, error) {
	idx := -1
	for i := len(subject) - 1; i >= 0; i-- {
		if subject[i] == '.' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, fmt.Errorf("malformed subject %q", subject)
	}
	return strconv.ParseInt(subject[idx+1:], 10, 64)
}

// Flush drains pending publishes with a deadline, per the shutdown
// sequence's 10-second flush requirement.
func (b *Bus) Flush(timeout time.Duration) error {
	return b.conn.FlushTimeout(timeout)
}

// Close releases the connection.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

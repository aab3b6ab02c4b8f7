// Package types holds the data shapes shared across the fleet monitor,
// spike detector, and clip creator.
package types

import "time"

// Channel identifies a live channel by numeric id and lowercase login.
type Channel struct {
	ChannelID int64
	Login     string
}

// RankedChannel is a Channel with its rank in a single poll's LiveRanking
// (1-based).
type RankedChannel struct {
	Channel
	Rank int
}

// ChatMetadata carries badge/role information for a chat line.
type ChatMetadata struct {
	Badges       map[string]string `json:"badges"`
	IsSubscriber bool              `json:"is_subscriber"`
	IsMod        bool              `json:"is_mod"`
}

// ChatLine is a single ingested chat message.
type ChatLine struct {
	ChannelID   int64        `json:"channel_id"`
	TimestampMs int64        `json:"timestamp_ms"`
	MessageID   string       `json:"message_id"`
	Text        string       `json:"text"`
	UserID      int64        `json:"user_id"`
	UserName    string       `json:"user_name"`
	Metadata    ChatMetadata `json:"metadata"`
}

// LifecycleEventType enumerates the two transitions a monitored channel
// can undergo.
type LifecycleEventType string

const (
	LifecycleOnline  LifecycleEventType = "online"
	LifecycleOffline LifecycleEventType = "offline"
)

// LifecycleEvent marks an online/offline transition for a channel.
type LifecycleEvent struct {
	EventType  LifecycleEventType `json:"event_type"`
	ChannelID  int64              `json:"channel_id"`
	Login      string             `json:"login"`
	Rank       int                `json:"rank"`
	TimestampS int64              `json:"timestamp_s"`
}

// AnomalyEvent is raised by the spike detector when a channel's chat
// volume significantly exceeds its rolling baseline.
type AnomalyEvent struct {
	ChannelID    int64
	DetectedAtMs int64
	MessageCount int
	BaselineMean float64
	BaselineStd  float64
}

// ClipRecord is a row in the clip catalog.
type ClipRecord struct {
	ChannelID    int64
	ClipID       string
	EmbedURL     string
	ThumbnailURL string
	DetectedAt   time.Time
}

// Credential is the persisted OAuth user credential.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Scopes       []string
	UpdatedAt    time.Time
}

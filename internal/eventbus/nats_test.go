package eventbus

import (
	"encoding/json"
	"testing"

	"clipdetector/internal/types"
)

// TestDecodeChatLineWireContract verifies the subscription side decodes
// the exact payload shape the external interface pins down for the
// chat-messages topic.
func TestDecodeChatLineWireContract(t *testing.T) {
	payload := []byte(`{
		"broadcaster_id": 111,
		"timestamp": 1700000000123,
		"message_id": "m-1",
		"text": "hello",
		"user_id": 42,
		"user_name": "viewer",
		"metadata": {"emotes": {}, "badges": {"subscriber": "12"}, "is_subscriber": true, "is_mod": false}
	}`)

	line, err := DecodeChatLine(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line.ChannelID != 111 || line.TimestampMs != 1700000000123 {
		t.Fatalf("unexpected identity fields: %+v", line)
	}
	if line.MessageID != "m-1" || line.Text != "hello" || line.UserID != 42 || line.UserName != "viewer" {
		t.Fatalf("unexpected payload fields: %+v", line)
	}
	if !line.Metadata.IsSubscriber || line.Metadata.IsMod {
		t.Fatalf("unexpected metadata flags: %+v", line.Metadata)
	}
	if line.Metadata.Badges["subscriber"] != "12" {
		t.Fatalf("unexpected badges: %v", line.Metadata.Badges)
	}
}

func TestDecodeChatLineRejectsMalformed(t *testing.T) {
	if _, err := DecodeChatLine([]byte("not json")); err == nil {
		t.Fatalf("expected decode error for malformed payload")
	}
}

// TestChatLineEncodesDecodedBySameWireShape verifies the publish-side
// wire struct and DecodeChatLine agree, so at-least-once redelivery of
// a published line reproduces the same ChatLine.
func TestChatLineEncodesDecodedBySameWireShape(t *testing.T) {
	in := types.ChatLine{
		ChannelID:   7,
		TimestampMs: 99,
		MessageID:   "m-2",
		Text:        "LUL",
		UserID:      3,
		UserName:    "someone",
		Metadata:    types.ChatMetadata{Badges: map[string]string{"moderator": "1"}, IsMod: true},
	}

	wire := chatMessageWire{
		BroadcasterID: in.ChannelID,
		Timestamp:     in.TimestampMs,
		MessageID:     in.MessageID,
		Text:          in.Text,
		UserID:        in.UserID,
		UserName:      in.UserName,
		Metadata: chatMetadataWire{
			Emotes:       map[string]string{},
			Badges:       in.Metadata.Badges,
			IsSubscriber: in.Metadata.IsSubscriber,
			IsMod:        in.Metadata.IsMod,
		},
	}
	data, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	out, err := DecodeChatLine(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ChannelID != in.ChannelID || out.Text != in.Text || out.MessageID != in.MessageID {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
	if !out.Metadata.IsMod || out.Metadata.Badges["moderator"] != "1" {
		t.Fatalf("round trip metadata mismatch: %+v", out.Metadata)
	}
}

func TestSubjects(t *testing.T) {
	if got := SubjectBuilder.ChatMessages(42); got != "chat-messages.42" {
		t.Fatalf("unexpected chat subject %q", got)
	}
	if got := SubjectBuilder.StreamLifecycle(42); got != "stream-lifecycle.42" {
		t.Fatalf("unexpected lifecycle subject %q", got)
	}

	id, err := ChannelIDFromSubject("chat-messages.42")
	if err != nil || id != 42 {
		t.Fatalf("expected channel id 42, got %d (%v)", id, err)
	}
	if _, err := ChannelIDFromSubject("nodots"); err == nil {
		t.Fatalf("expected error for subject without a channel id")
	}
}

package chattransport

import "testing"

func TestParsePrivmsg(t *testing.T) {
	line := `@badges=subscriber/12,moderator/1;subscriber=1;mod=1;user-id=42;display-name=Viewer :viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #somechannel :hello world`

	msg, ok := parsePrivmsg(line)
	if !ok {
		t.Fatalf("expected line to parse as PRIVMSG")
	}
	if msg.RoomName != "somechannel" {
		t.Fatalf("expected room 'somechannel', got %q", msg.RoomName)
	}
	if msg.Text != "hello world" {
		t.Fatalf("expected text 'hello world', got %q", msg.Text)
	}
	if msg.UserID != 42 {
		t.Fatalf("expected user id 42, got %d", msg.UserID)
	}
	if msg.UserName != "Viewer" {
		t.Fatalf("expected display name 'Viewer', got %q", msg.UserName)
	}
	if !msg.IsSubscriber || !msg.IsMod {
		t.Fatalf("expected subscriber and mod flags set, got %+v", msg)
	}
	if msg.Badges["moderator"] != "1" {
		t.Fatalf("expected moderator badge, got %v", msg.Badges)
	}
}

func TestParsePrivmsgFallsBackToNick(t *testing.T) {
	line := `:nickname!nickname@nickname.tmi.twitch.tv PRIVMSG #otherchannel :no tags here`

	msg, ok := parsePrivmsg(line)
	if !ok {
		t.Fatalf("expected line to parse as PRIVMSG")
	}
	if msg.UserName != "nickname" {
		t.Fatalf("expected nick fallback 'nickname', got %q", msg.UserName)
	}
}

func TestParsePrivmsgRejectsNonPrivmsg(t *testing.T) {
	if _, ok := parsePrivmsg("PING :tmi.twitch.tv"); ok {
		t.Fatalf("PING should not parse as PRIVMSG")
	}
}

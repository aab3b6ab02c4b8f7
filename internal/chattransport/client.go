// Package chattransport is an IRC-over-WebSocket client for the
// platform's chat service. It is an outbound client dialing one remote
// endpoint, so it is built on gorilla/websocket's client API rather
// than a frame-level server library.
package chattransport

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"clipdetector/internal/apierr"
)

// IncomingMessage is a single chat line as received from the transport,
// before the fleet monitor resolves it into a ChatLine.
type IncomingMessage struct {
	RoomName     string
	Text         string
	UserID       int64
	UserName     string
	Badges       map[string]string
	IsSubscriber bool
	IsMod        bool
}

// Session manages chat-room membership over a single IRC-over-WebSocket
// connection.
type Session struct {
	url    string
	nick   string
	oauth  string
	logger *zap.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	joined  map[string]bool
	incoming chan IncomingMessage
	done    chan struct{}
}

const defaultChatURL = "wss://irc-ws.chat.twitch.tv:443"

// NewSession dials the chat transport and begins the read loop. nick and
// oauth authenticate the connection; the connection is otherwise
// anonymous with respect to channel membership until Join is called.
func NewSession(ctx context.Context, url, nick, oauth string, logger *zap.Logger) (*Session, error) {
	if url == "" {
		url = defaultChatURL
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, apierr.Transientf("dial chat transport: %v", err)
	}

	s := &Session{
		url:      url,
		nick:     nick,
		oauth:    oauth,
		logger:   logger,
		conn:     conn,
		joined:   make(map[string]bool),
		incoming: make(chan IncomingMessage, 256),
		done:     make(chan struct{}),
	}

	if err := s.send("CAP REQ :twitch.tv/tags twitch.tv/commands"); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.send("PASS oauth:" + oauth); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.send("NICK " + nick); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop()
	return s, nil
}

// Incoming returns the channel of parsed chat messages.
func (s *Session) Incoming() <-chan IncomingMessage {
	return s.incoming
}

// Join starts receiving messages for login's chat room. Idempotent.
func (s *Session) Join(login string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined[login] {
		return nil
	}
	if err := s.send("JOIN #" + login); err != nil {
		return err
	}
	s.joined[login] = true
	return nil
}

// Part stops receiving messages for login's chat room. Idempotent.
func (s *Session) Part(login string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined[login] {
		return nil
	}
	if err := s.send("PART #" + login); err != nil {
		return err
	}
	delete(s.joined, login)
	return nil
}

// Close tears down the connection and stops the read loop.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-s.done
	return err
}

func (s *Session) send(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n")); err != nil {
		return apierr.Transientf("write chat transport message: %v", err)
	}
	return nil
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.incoming)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("chat transport read loop exiting", zap.Error(err))
			return
		}
		for _, line := range strings.Split(strings.TrimRight(string(data), "\r\n"), "\r\n") {
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "PING") {
				_ = s.send("PONG :tmi.twitch.tv")
				continue
			}
			if msg, ok := parsePrivmsg(line); ok {
				select {
				case s.incoming <- msg:
				default:
					s.logger.Warn("chat transport incoming buffer full, dropping message")
				}
			}
		}
	}
}

// parsePrivmsg parses a single IRCv3-tagged PRIVMSG line of the form:
// @badges=...;subscriber=0;mod=0;user-id=123 :nick!nick@nick.tmi.twitch.tv PRIVMSG #channel :message text
func parsePrivmsg(line string) (IncomingMessage, bool) {
	tags := map[string]string{}
	rest := line
	if strings.HasPrefix(line, "@") {
		sp := strings.SplitN(line, " ", 2)
		if len(sp) != 2 {
			return IncomingMessage{}, false
		}
		for _, kv := range strings.Split(strings.TrimPrefix(sp[0], "@"), ";") {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) == 2 {
				tags[parts[0]] = parts[1]
			}
		}
		rest = sp[1]
	}

	if !strings.Contains(rest, "PRIVMSG") {
		return IncomingMessage{}, false
	}

	privIdx := strings.Index(rest, "PRIVMSG #")
	if privIdx < 0 {
		return IncomingMessage{}, false
	}
	afterChannel := rest[privIdx+len("PRIVMSG #"):]
	sepIdx := strings.Index(afterChannel, " :")
	if sepIdx < 0 {
		return IncomingMessage{}, false
	}
	room := afterChannel[:sepIdx]
	text := afterChannel[sepIdx+2:]

	userName := tags["display-name"]
	if userName == "" {
		userName = extractNick(rest[:privIdx])
	}

	var userID int64
	if v, ok := tags["user-id"]; ok {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			userID = parsed
		}
	}

	badges := map[string]string{}
	for _, b := range strings.Split(tags["badges"], ",") {
		parts := strings.SplitN(b, "/", 2)
		if len(parts) == 2 {
			badges[parts[0]] = parts[1]
		}
	}

	return IncomingMessage{
		RoomName:     room,
		Text:         text,
		UserID:       userID,
		UserName:     userName,
		Badges:       badges,
		IsSubscriber: tags["subscriber"] == "1",
		IsMod:        tags["mod"] == "1",
	}, true
}

func extractNick(prefix string) string {
	idx := strings.Index(prefix, ":")
	if idx < 0 {
		return ""
	}
	rest := prefix[idx+1:]
	if bang := strings.Index(rest, "!"); bang >= 0 {
		return rest[:bang]
	}
	return rest
}

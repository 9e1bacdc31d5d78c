package internal

import (
	"context"
	"html"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
)

// Client wraps a single websocket connection and a buffered send queue.
// An empty username marks an inert connection.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	username string
	log      zerolog.Logger
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMsgSize     = 64 * 1024
	sendBuffer     = 256
	maxUsernameLen = 32
)

var usernamePolicy = bluemonday.StrictPolicy()

func newClient(conn *websocket.Conn, username string, log zerolog.Logger) *Client {
	return &Client{
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		username: username,
		log:      log,
	}
}

// sanitizeUsername strips markup and control characters and caps the length.
func sanitizeUsername(raw string) string {
	cleaned := html.UnescapeString(usernamePolicy.Sanitize(raw))
	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.TrimSpace(cleaned)
	if runes := []rune(cleaned); len(runes) > maxUsernameLen {
		cleaned = strings.TrimSpace(string(runes[:maxUsernameLen]))
	}
	return cleaned
}

// ServeWS upgrades the request and runs a session for it. The username comes
// from the "username" query parameter; without one the connection stays open
// but inert.
func (s *Server) ServeWS(writer http.ResponseWriter, request *http.Request) {
	username := sanitizeUsername(request.URL.Query().Get("username"))
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", request.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := newClient(conn, username, s.logger.With().
		Str("username", username).
		Str("remote", request.RemoteAddr).
		Logger())
	s.sessions.Add(1)
	if !s.hub.join(client) {
		s.sessions.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}

	s.metrics.IncConn()
	go client.writePump()
	go func() {
		defer s.sessions.Done()
		defer s.metrics.DecConn()
		s.runSession(s.ctx, client)
	}()
}

func (s *Server) runSession(ctx context.Context, client *Client) {
	defer func() {
		s.hub.leave(client)
		_ = client.conn.Close()
		if client.username != "" {
			s.revokePresence(client.username)
			client.log.Info().Msg("left")
		}
	}()

	if client.username == "" {
		client.log.Debug().Msg("connection without username, ignoring its frames")
		client.readPump(func([]byte) {})
		return
	}

	s.registerPresence(client)
	s.sendHistory(ctx, client)
	client.log.Info().Msg("joined")

	client.readPump(func(payload []byte) {
		s.handleFrame(ctx, client, payload)
	})
}

// handleFrame dispatches one inbound frame. A panic is contained to the frame.
func (s *Server) handleFrame(ctx context.Context, client *Client, payload []byte) {
	var event string
	defer func() {
		if r := recover(); r != nil {
			client.log.Error().Interface("panic", r).Str("event", event).Msg("event handler panicked")
		}
	}()

	env, err := decodeEnvelope(payload)
	event = env.Event
	if err != nil {
		client.log.Debug().Err(err).Msg("rejected frame")
		s.reject(client, env.Event, err)
		return
	}

	switch env.Event {
	case EventTyping:
		var req TypingRequest
		if err := decodePayload(env, &req); err != nil {
			s.reject(client, env.Event, err)
			return
		}
		s.relayTyping(client, *req.IsTyping)

	case EventMessage:
		var in IncomingMessage
		if err := decodePayload(env, &in); err != nil {
			client.log.Debug().Err(err).Msg("rejected message")
			s.reject(client, env.Event, err)
			return
		}
		msg, err := s.acceptMessage(ctx, client.username, in)
		if err != nil {
			client.log.Error().Err(err).Msg("message dropped")
			s.reject(client, env.Event, err)
			return
		}
		client.log.Info().Str("id", msg.ID).Str("type", msg.Type).Msg("message")

	case EventResetLogs:
		if err := s.resetHistory(ctx); err != nil {
			client.log.Error().Err(err).Msg("reset failed")
			s.reject(client, env.Event, err)
			return
		}
		client.log.Info().Msg("chat history reset")
	}
}

func (client *Client) readPump(handle func([]byte)) {
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			// read error ends the loop so the deferred cleanup can fire.
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				client.log.Debug().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}
		handle(payload)
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

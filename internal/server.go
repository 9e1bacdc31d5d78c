package internal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"flatchat/internal/storage"
)

// ServerOptions carries the tunables of a Server.
type ServerOptions struct {
	UploadDir        string
	MaxUploadSize    int64
	AllowedOrigin    string
	UploadRateLimit  int
	UploadRateWindow time.Duration
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy       bool
}

// Server is the session context shared by every connection: the message log,
// the presence registry and the hub. It is built once by the composition root.
type Server struct {
	store    storage.Log
	presence *PresenceRegistry
	hub      *Hub
	metrics  *Metrics
	uploads  *FileUploadHandler
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	allowedOrigin string
	trustProxy    bool

	// mu serializes stamp, append and broadcast so log order, timestamp order
	// and delivery order agree.
	mu        sync.Mutex
	lastStamp int64
	// presenceMu keeps presence snapshots queued in mutation order.
	presenceMu sync.Mutex

	ctx      context.Context
	sessions sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// NewServer wires the server around an opened message log.
func NewServer(store storage.Log, logger zerolog.Logger, opts ServerOptions) *Server {
	if opts.UploadRateLimit <= 0 {
		opts.UploadRateLimit = 10
	}
	if opts.UploadRateWindow <= 0 {
		opts.UploadRateWindow = time.Minute
	}
	metrics := NewMetrics()
	s := &Server{
		store:    store,
		presence: NewPresenceRegistry(),
		hub:      NewHub(logger.With().Str("component", "hub").Logger()),
		metrics:  metrics,
		logger:   logger,
		ctx:      context.Background(),

		allowedOrigin: opts.AllowedOrigin,
		trustProxy:    opts.TrustProxy,
		now:           time.Now,
		newID:         uuid.NewString,
	}
	s.uploads = NewFileUploadHandler(opts.UploadDir, opts.MaxUploadSize,
		NewRateLimiter(opts.UploadRateLimit, opts.UploadRateWindow), metrics,
		logger.With().Str("component", "upload").Logger())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      originChecker(opts.AllowedOrigin),
	}
	return s
}

// Start primes the timestamp clock from the stored history and runs the hub
// until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	s.ctx = ctx
	if history := s.history(ctx); len(history) > 0 {
		s.lastStamp = history[len(history)-1].Timestamp
	}
	go s.hub.Run(ctx)
}

// Wait blocks until the hub has stopped and every session has torn down.
func (s *Server) Wait() {
	<-s.hub.Stopped()
	s.sessions.Wait()
}

func (s *Server) Presence() *PresenceRegistry {
	return s.presence
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) Uploads() *FileUploadHandler {
	return s.uploads
}

// history reads the full log. Read failures degrade to an empty history.
func (s *Server) history(ctx context.Context) []storage.Message {
	messages, err := s.store.Messages(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("read message log")
		return []storage.Message{}
	}
	return messages
}

// sendHistory queues the full log for one client. It holds mu so the snapshot
// can neither miss nor trail a concurrent append or reset broadcast.
func (s *Server) sendHistory(ctx context.Context, client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := encodeEvent(EventLoadMessages, s.history(ctx))
	if err != nil {
		client.log.Error().Err(err).Msg("encode history")
		return
	}
	s.hub.sendTo(client, payload)
}

// acceptMessage stamps, persists and broadcasts one message. Nothing is
// broadcast when persistence fails.
func (s *Server) acceptMessage(ctx context.Context, sender string, in IncomingMessage) (storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := s.now().UnixMilli()
	if stamp < s.lastStamp {
		stamp = s.lastStamp
	}
	msg := storage.Message{
		ID:        s.newID(),
		Content:   in.Content,
		Sender:    sender,
		Timestamp: stamp,
		FileURL:   in.FileURL,
	}
	msg.Type = msg.Kind()

	payload, err := encodeEvent(EventMessage, msg)
	if err != nil {
		return msg, err
	}
	if err := s.store.Append(ctx, msg); err != nil {
		return msg, fmt.Errorf("persist message: %w", err)
	}
	s.lastStamp = stamp
	s.hub.broadcast(payload)
	s.metrics.IncMessage()
	return msg, nil
}

// resetHistory truncates the log and tells every connection to clear its view.
func (s *Server) resetHistory(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset message log: %w", err)
	}
	payload, err := encodeEvent(EventLoadMessages, []storage.Message{})
	if err != nil {
		return err
	}
	s.hub.broadcast(payload)
	s.metrics.IncReset()
	return nil
}

// registerPresence marks the name online. A changed membership is broadcast;
// otherwise only the joining client gets the current snapshot.
func (s *Server) registerPresence(client *Client) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	changed := s.presence.Add(client.username)
	payload, err := encodeEvent(EventUsers, s.presence.Snapshot())
	if err != nil {
		s.logger.Error().Err(err).Msg("encode users")
		return
	}
	if changed {
		s.hub.broadcast(payload)
		return
	}
	s.hub.sendTo(client, payload)
}

func (s *Server) revokePresence(username string) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	if !s.presence.Remove(username) {
		return
	}
	payload, err := encodeEvent(EventUsers, s.presence.Snapshot())
	if err != nil {
		s.logger.Error().Err(err).Msg("encode users")
		return
	}
	s.hub.broadcast(payload)
}

// relayTyping forwards typing state to everyone except the sender.
func (s *Server) relayTyping(client *Client, isTyping bool) {
	payload, err := encodeEvent(EventUserTyping, UserTyping{Username: client.username, IsTyping: isTyping})
	if err != nil {
		s.logger.Error().Err(err).Msg("encode user-typing")
		return
	}
	s.hub.broadcastExcept(client, payload)
}

func (s *Server) reject(client *Client, event string, err error) {
	s.metrics.IncRejected()
	payload, encErr := encodeEvent(EventError, ErrorPayload{Event: event, Error: err.Error()})
	if encErr != nil {
		return
	}
	s.hub.sendTo(client, payload)
}

func originChecker(allowed string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowed == "" || allowed == "*" || origin == "" {
			return true
		}
		return origin == allowed
	}
}

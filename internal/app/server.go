package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	intrnl "flatchat/internal"
	"flatchat/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	chat   *intrnl.Server
	store  storage.Log
	stop   context.CancelFunc
	log    zerolog.Logger
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits and the message log is closed.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the message log, wires the chat server and starts serving
// in the background. Cancelling ctx shuts it down; Stop/Wait manage it too.
func RunServer(ctx context.Context, cfg ServerConfig, logger zerolog.Logger) (*ServerHandle, error) {
	cfg.Path = NormalizeJoinPath(cfg.Path)
	if cfg.Store == "" {
		cfg.Store = storage.BackendJSON
	}
	if cfg.DataPath == "" {
		cfg.DataPath = DefaultDataPath(cfg.Store)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	store, err := storage.Open(ctx, cfg.Store, cfg.DataPath, logger.With().Str("component", "storage").Logger())
	if err != nil {
		return nil, fmt.Errorf("open message log: %w", err)
	}

	chat := intrnl.NewServer(store, logger, intrnl.ServerOptions{
		UploadDir:        cfg.UploadDir,
		MaxUploadSize:    cfg.MaxUploadSize,
		AllowedOrigin:    cfg.AllowedOrigin,
		UploadRateLimit:  cfg.UploadRateLimit,
		UploadRateWindow: cfg.UploadRateWindow,
		TrustProxy:       cfg.TrustProxy,
	})
	if err := chat.Uploads().Prepare(); err != nil {
		_ = store.Close()
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	chatCtx, stopChat := context.WithCancel(context.Background())
	chat.Start(chatCtx)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chat.Routes(cfg.Path),
		ReadHeaderTimeout: 10 * time.Second,
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		chat:   chat,
		store:  store,
		stop:   stopChat,
		log:    logger,
		done:   make(chan struct{}),
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	go handle.serve(listener)

	logger.Info().
		Str("addr", handle.addr).
		Str("path", cfg.Path).
		Str("store", cfg.Store).
		Str("data", cfg.DataPath).
		Msg("chat server listening")
	return handle, nil
}

// serve runs until the HTTP server stops, then closes every websocket session
// and finally the message log.
func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.log.Info().Int64("connections", h.chat.Metrics().ActiveConns()).Msg("closing websocket sessions")
	h.stop()
	h.chat.Wait()
	if closeErr := h.store.Close(); closeErr != nil {
		h.log.Error().Err(closeErr).Msg("close message log")
	}
	h.err = err
}

package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"chatrelay/internal/content"

	"github.com/gorilla/websocket"
)

type ServerConfig struct {
	DefaultChannel string
	Connection     ConnectionConfig
	Logger         *slog.Logger
}

// Server upgrades /ws/chat requests and runs one Connection per socket.
type Server struct {
	hub      registry
	router   frameRouter
	cfg      ServerConfig
	logger   *slog.Logger
	upgrader *websocket.Upgrader

	// Sessions outlive the request context; baseCtx cancels them on shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// mu orders wg.Add against Shutdown's wg.Wait.
	mu      sync.Mutex
	closing bool
}

func NewServer(hub registry, router frameRouter, cfg ServerConfig) *Server {
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "general"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Connection.Logger == nil {
		cfg.Connection.Logger = logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		hub:    hub,
		router: router,
		cfg:    cfg,
		logger: logger.With("component", "ws"),
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Browser clients are served from other origins.
			},
		},
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// HandleConnections serves GET /ws/chat?username=U&channel=C.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	username := r.URL.Query().Get("username")
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = s.cfg.DefaultChannel
	}

	if err := content.ValidateUsername(username); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := content.ValidateChannel(channel); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.track() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("error upgrading to websocket", "error", err)
		return
	}

	c := NewConnection(s.hub, s.router, conn, username, channel, s.cfg.Connection)
	if err := c.Handle(s.baseCtx); err != nil {
		s.logger.Debug("websocket session ended", "username", username, "channel", channel, "error", err)
	}
}

// track counts a new session unless Shutdown has started.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// Shutdown refuses new sessions, ends the running ones and waits for them
// or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": message,
	})
}

package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatrelay/internal/api"
	"chatrelay/internal/ws"
)

type APIServer struct {
	server *http.Server
	ws     *ws.Server
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(handlers *api.API, wsServer *ws.Server, addr string, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handlers.RootHandler)
	mux.HandleFunc("GET /healthz", handlers.HealthHandler)

	mux.HandleFunc("GET /api/chat/history/{channel}", handlers.HistoryHandler)
	mux.HandleFunc("GET /api/chat/channels", handlers.ChannelsHandler)
	mux.HandleFunc("POST /api/chat/message", handlers.SendMessageHandler)
	mux.HandleFunc("DELETE /api/chat/message/{id}", handlers.DeleteMessageHandler)
	mux.HandleFunc("GET /api/users/online/{channel}", handlers.OnlineUsersHandler)
	mux.HandleFunc("GET /api/users/typing/{channel}", handlers.TypingUsersHandler)

	// WebSocket endpoint
	mux.HandleFunc("/ws/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ws:     wsServer,
		logger: logger,
	}
}

func (s *APIServer) Start() error {
	s.logger.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then ends the hijacked websocket
// sessions, which http.Server.Shutdown does not track.
func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	err := s.server.Shutdown(ctx)
	return errors.Join(err, s.ws.Shutdown(ctx))
}

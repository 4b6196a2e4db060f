package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"chatrelay/internal/models"
)

type connectionLister interface {
	Snapshot() []models.Connection
}

type reaper interface {
	ReapExpired(ctx context.Context) int
}

// AdminHandler serves the loopback-only operational endpoints.
type AdminHandler struct {
	hub    connectionLister
	reaper reaper
	logger *slog.Logger
}

func NewAdminHandler(hub connectionLister, reaper reaper, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{hub: hub, reaper: reaper, logger: logger.With("component", "admin")}
}

type ConnectionsResponse struct {
	Connections []models.Connection `json:"connections"`
	Count       int                 `json:"count"`
}

type ReapResponse struct {
	Success bool `json:"success"`
	Cleaned int  `json:"cleaned"`
}

func (h *AdminHandler) ConnectionsHandler(w http.ResponseWriter, r *http.Request) {
	conns := h.hub.Snapshot()
	h.write(w, ConnectionsResponse{Connections: conns, Count: len(conns)})
}

func (h *AdminHandler) ReapHandler(w http.ResponseWriter, r *http.Request) {
	cleaned := h.reaper.ReapExpired(r.Context())
	h.logger.Info("manual reap finished", "cleaned", cleaned)
	h.write(w, ReapResponse{Success: true, Cleaned: cleaned})
}

func (h *AdminHandler) write(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode admin response", "error", err)
	}
}

// Package server provides HTTP server construction for twilsync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/twilsync/internal/auth"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	APIKeyHash string
	MCPHandler http.Handler
	Logger     *slog.Logger

	// ConnectionState reports the current connection state for /healthz.
	ConnectionState func() string
}

// NewMux builds the HTTP mux with an unauthenticated health endpoint and
// the MCP endpoint protected by API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.ConnectionState))

	authMiddleware := auth.Middleware(cfg.APIKeyHash, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

func handleHealth(state func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]string{"status": "ok"}
		if state != nil {
			body["connection"] = state()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

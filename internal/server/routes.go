// Package server wires HTTP handlers into a gorilla/mux router for the admin
// HTTP server and WebSocket gateway.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures and returns a router with all application routes.
func (s *Server) SetupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.WebSocketHandler)
	r.HandleFunc("/test", TestPageHandler).Methods(http.MethodGet)
	return r
}

// Package api exposes the bridge over an operator-facing JSON HTTP API.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/uplink-mc/uplink/internal/bridge"
	"github.com/uplink-mc/uplink/internal/config"
	"github.com/uplink-mc/uplink/internal/store"
)

// Server hosts the connector WebSocket endpoint and the operator API.
type Server struct {
	cfg    *config.Config
	log    zerolog.Logger
	bridge *bridge.Bridge
	store  *store.Store
	router *chi.Mux
}

// New builds the HTTP surface over the bridge and store.
func New(cfg *config.Config, log zerolog.Logger, b *bridge.Bridge, st *store.Store, registry *prometheus.Registry) *Server {
	s := &Server{
		cfg:    cfg,
		log:    log.With().Str("component", "api").Logger(),
		bridge: b,
		store:  st,
	}
	s.setupRouter(registry)
	return s
}

func (s *Server) setupRouter(registry *prometheus.Registry) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Connectors authenticate in-band via the protocol handshake.
	r.Get("/ws", s.bridge.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/sessions", s.handleSessions)
		r.Get("/servers", s.handleListServers)
		r.Post("/servers", s.handleCreateServer)

		r.Route("/servers/{serverID}", func(r chi.Router) {
			r.With(s.requireTOTP).Delete("/", s.handleDeleteServer)
			r.With(s.requireTOTP).Post("/token", s.handleRotateToken)

			r.Post("/command", s.handleCommand)
			r.Get("/whitelist", s.handleWhitelistList)
			r.Post("/whitelist", s.handleWhitelistAdd)
			r.Delete("/whitelist/{player}", s.handleWhitelistRemove)
			r.Get("/players", s.handlePlayerList)
			r.Get("/players/{player}", s.handlePlayerInfo)
			r.Delete("/players/{player}", s.handlePlayerKick)
			r.Get("/info", s.handleServerInfo)
			r.Get("/status", s.handleServerStatus)
		})
	})

	s.router = r
}

// requireToken checks the operator bearer token against the configured
// bcrypt hash.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminTokenHash), []byte(token)) != nil {
			s.log.Warn().Str("remote", r.RemoteAddr).Msg("rejected API token")
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireTOTP guards destructive admin routes when a TOTP secret is
// configured.
func (s *Server) requireTOTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.HasTOTP() && !totp.Validate(r.Header.Get("X-TOTP-Code"), s.cfg.TOTPSecret) {
			writeError(w, http.StatusForbidden, "forbidden", "invalid TOTP code")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

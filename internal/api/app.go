package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-presence/internal/auth"
	"github.com/npezzotti/go-presence/internal/config"
	"github.com/npezzotti/go-presence/internal/database"
	"github.com/npezzotti/go-presence/internal/server"
	"go.uber.org/zap"
)

type PresenceApp struct {
	log            *zap.Logger
	db             database.Repository
	srv            *http.Server
	cs             *server.ChatServer
	verifier       auth.Verifier
	allowedOrigins []string
	adminKeyHash   []byte
}

func NewPresenceApp(mux *http.ServeMux, logger *zap.Logger, cs *server.ChatServer, db database.Repository, verifier auth.Verifier, cfg *config.Config) *PresenceApp {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &PresenceApp{
		log:            logger,
		db:             db,
		cs:             cs,
		verifier:       verifier,
		allowedOrigins: cfg.AllowedOrigins,
		adminKeyHash:   cfg.AdminKeyHash,
	}

	mux.HandleFunc("GET /health", s.healthCheck)
	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /api/presence/{userId}", s.authMiddleware(s.presence))
	mux.HandleFunc("DELETE /api/admin/connections/{connId}", s.adminMiddleware(s.terminateConnection))
	mux.HandleFunc("DELETE /api/admin/users/{userId}/sessions", s.adminMiddleware(s.terminateUser))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization", adminKeyHeader}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *PresenceApp) Start() error {
	s.log.Info("starting server", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *PresenceApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-presence/internal/auth"
	"github.com/npezzotti/go-presence/internal/server"
	"go.uber.org/zap"
)

const adminCloseReason = "terminated by admin"

func (s *PresenceApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

func (s *PresenceApp) writeError(w http.ResponseWriter, e *ApiError) {
	s.writeJson(w, e.StatusCode, e)
}

func (s *PresenceApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error("health check failed", zap.Error(err))
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// originAllowed reports whether the request origin is on the allow list.
// Non-browser clients send no Origin header and are allowed.
func (s *PresenceApp) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.allowedOrigins, origin)
}

// serveWs checks the origin and authenticates the handshake before
// upgrading, so a refused handshake never touches presence and credential
// failures are answered with a plain HTTP status.
func (s *PresenceApp) serveWs(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r) {
		s.log.Info("rejected websocket origin", zap.String("origin", r.Header.Get("Origin")))
		s.writeError(w, NewForbiddenError("origin not allowed"))
		return
	}

	client, err := s.cs.Connect(r.Context(), credentialFromRequest(r))
	if err != nil {
		switch {
		case auth.IsAuthError(err):
			s.writeError(w, NewUnauthorizedError())
		case errors.Is(err, server.ErrShuttingDown):
			s.writeError(w, NewServiceUnavailableError())
		default:
			s.log.Error("failed to connect client", zap.Error(err))
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.originAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("error upgrading connection", zap.String("conn_id", client.Id()), zap.Error(err))
		s.cs.Disconnect(client.Id())
		return
	}

	if err := client.Serve(conn); err != nil {
		s.log.Info("connection closed before serving", zap.String("conn_id", client.Id()), zap.Error(err))
	}
}

func (s *PresenceApp) presence(w http.ResponseWriter, r *http.Request) {
	userId := r.PathValue("userId")
	if userId == "" {
		s.writeError(w, NewBadRequestError("missing user id"))
		return
	}

	if caller, ok := IdentityFrom(r.Context()); ok {
		s.log.Debug("presence lookup", zap.String("caller", caller.UserId), zap.String("user_id", userId))
	}

	s.writeJson(w, http.StatusOK, s.cs.Presence(userId))
}

func (s *PresenceApp) terminateConnection(w http.ResponseWriter, r *http.Request) {
	connId := r.PathValue("connId")
	if !s.cs.Terminate(connId, adminCloseReason) {
		s.writeError(w, NewNotFoundError("unknown connection"))
		return
	}

	s.log.Info("terminated connection", zap.String("conn_id", connId))
	w.WriteHeader(http.StatusNoContent)
}

func (s *PresenceApp) terminateUser(w http.ResponseWriter, r *http.Request) {
	userId := r.PathValue("userId")
	n := s.cs.TerminateUser(userId, adminCloseReason)

	s.log.Info("terminated user sessions", zap.String("user_id", userId), zap.Int("count", n))
	s.writeJson(w, http.StatusOK, map[string]int{"terminated": n})
}

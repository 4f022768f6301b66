package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/uplink-mc/uplink/internal/bridge"
	"github.com/uplink-mc/uplink/internal/protocol"
	"github.com/uplink-mc/uplink/internal/store"
)

// maxRequestTimeout caps the per-call ?timeout= override.
const maxRequestTimeout = 5 * time.Minute

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSessions reports live hub state only.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.bridge.Snapshot()})
}

// handleListServers merges registry rows with the live hub snapshot.
func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListServers(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list servers")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list servers")
		return
	}

	connected := make(map[string]bridge.SessionStatus)
	for _, status := range s.bridge.Snapshot() {
		connected[status.ServerID] = status
	}

	out := make([]map[string]any, 0, len(servers))
	for _, row := range servers {
		entry := map[string]any{
			"id":        row.ID,
			"name":      row.Name,
			"status":    row.Status,
			"active":    row.Active,
			"lastSeen":  row.LastSeen,
			"createdAt": row.CreatedAt,
			"connected": false,
		}
		if status, ok := connected[row.ID]; ok {
			entry["connected"] = true
			entry["connectedSince"] = status.ConnectedSince
			entry["capabilities"] = status.Capabilities
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string   `json:"name"`
		AllowedIPs []string `json:"allowedIps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}

	id, token, err := s.store.CreateServer(r.Context(), req.Name, req.AllowedIPs)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create server")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create server")
		return
	}

	// The plaintext token is shown exactly once.
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "token": token})
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	if err := s.store.DeleteServer(r.Context(), serverID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such server")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	token, err := s.store.RotateToken(r.Context(), serverID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such server")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to rotate token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	var req struct {
		Command  string `json:"command"`
		Executor string `json:"executor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "command is required")
		return
	}
	if req.Executor == "" {
		req.Executor = "console"
	}

	s.execute(w, r, serverID, protocol.OpCommandExecute, map[string]string{
		"command":  req.Command,
		"executor": req.Executor,
	})
}

func (s *Server) handleWhitelistList(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, chi.URLParam(r, "serverID"), protocol.OpWhitelistList, nil)
}

func (s *Server) handleWhitelistAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Player string `json:"player"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Player == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "player is required")
		return
	}
	s.execute(w, r, chi.URLParam(r, "serverID"), protocol.OpWhitelistAdd, map[string]string{"player": req.Player})
}

func (s *Server) handleWhitelistRemove(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, chi.URLParam(r, "serverID"), protocol.OpWhitelistRemove, map[string]string{
		"player": chi.URLParam(r, "player"),
	})
}

func (s *Server) handlePlayerList(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, chi.URLParam(r, "serverID"), protocol.OpPlayerList, nil)
}

func (s *Server) handlePlayerInfo(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, chi.URLParam(r, "serverID"), protocol.OpPlayerInfo, map[string]string{
		"player": chi.URLParam(r, "player"),
	})
}

func (s *Server) handlePlayerKick(w http.ResponseWriter, r *http.Request) {
	data := map[string]string{"player": chi.URLParam(r, "player")}
	if reason := r.URL.Query().Get("reason"); reason != "" {
		data["reason"] = reason
	}
	s.execute(w, r, chi.URLParam(r, "serverID"), protocol.OpPlayerKick, data)
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, chi.URLParam(r, "serverID"), protocol.OpServerInfo, nil)
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, chi.URLParam(r, "serverID"), protocol.OpServerStatus, nil)
}

// execute brokers an operation and translates the outcome to HTTP.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, serverID, op string, data any) {
	timeout := time.Duration(0)
	if v := r.URL.Query().Get("timeout"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "timeout must be a positive number of milliseconds")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
		if timeout > maxRequestTimeout {
			timeout = maxRequestTimeout
		}
	}

	resp, err := s.bridge.Execute(r.Context(), serverID, op, data, timeout)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}

	result := json.RawMessage(resp.Data)
	if result == nil {
		result = json.RawMessage(`{}`)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": result})
}

func (s *Server) writeBrokerError(w http.ResponseWriter, err error) {
	code := bridge.ErrorCode(err)

	var remote *bridge.RemoteError
	if errors.As(err, &remote) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]string{
				"code":    "remote_error",
				"remote":  remote.Code,
				"message": remote.Message,
			},
		})
		return
	}

	status := http.StatusInternalServerError
	switch code {
	case "not_connected":
		status = http.StatusConflict
	case "unsupported_capability":
		status = http.StatusUnprocessableEntity
	case "timeout":
		status = http.StatusGatewayTimeout
	case "connection_lost":
		status = http.StatusBadGateway
	}
	writeError(w, status, code, err.Error())
}

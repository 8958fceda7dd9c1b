package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelworks/starhost/internal/audit"
	"github.com/kestrelworks/starhost/internal/plugin"
	"github.com/kestrelworks/starhost/internal/protocol"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	active := 0
	for _, p := range all {
		if s.dispatcher.IsActive(p.Name) {
			active++
		}
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		PluginsLoaded: len(all),
		PluginsActive: active,
	})
}

// handleDispatch handles POST /v1/dispatch.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if protocol.IsLifecycleCommand(req.Command) {
		s.writeError(w, http.StatusBadRequest, "lifecycle commands cannot be dispatched")
		return
	}

	sess := req.Session
	if sess != nil && sess.RemoteAddr == "" {
		sess.RemoteAddr = r.RemoteAddr
	}

	out, err := s.dispatcher.Broadcast(r.Context(), req.Command, req.Data, sess)
	if err != nil {
		s.logger.Error("broadcast failed", "command", req.Command, "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, DispatchResponse{
		DispatchID: out.DispatchID,
		Command:    out.Command,
		Approved:   out.Approved,
		VetoedBy:   out.VetoedBy,
		Results:    toVerdicts(out.Results),
	})
}

// handleListPlugins handles GET /v1/plugins. Load order is preserved.
func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	resp := PluginListResponse{Plugins: make([]PluginSummary, 0, len(all))}
	for _, p := range all {
		resp.Plugins = append(resp.Plugins, PluginSummary{
			Name:     p.Name,
			Version:  p.Version,
			Origin:   p.Origin,
			Active:   s.dispatcher.IsActive(p.Name),
			Commands: p.CommandNames(),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetPlugin handles GET /v1/plugins/{plugin}.
func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "plugin")
	p, err := s.registry.GetByName(name)
	if err != nil {
		if errors.Is(err, plugin.ErrPluginNotFound) {
			s.writeError(w, http.StatusNotFound, "plugin not found")
			return
		}
		s.logger.Error("plugin lookup failed", "plugin", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "plugin lookup failed")
		return
	}

	respondJSON(w, http.StatusOK, PluginDetailResponse{
		Name:        p.Name,
		Version:     p.Version,
		Description: p.Description,
		Protocol:    p.Protocol,
		Origin:      p.Origin,
		Fingerprint: p.Fingerprint,
		Active:      s.dispatcher.IsActive(p.Name),
		Depends:     p.Depends,
		Commands:    p.CommandNames(),
	})
}

// handleListDispatches handles GET /v1/dispatches?limit=N.
func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be in 1..500")
			return
		}
		limit = n
	}

	entries, err := s.auditLog.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read dispatch log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read dispatch log")
		return
	}

	resp := DispatchLogResponse{Dispatches: make([]DispatchLogEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Dispatches = append(resp.Dispatches, DispatchLogEntry{
			DispatchID:  e.ID,
			Command:     e.Command,
			SessionID:   e.SessionID,
			RemoteAddr:  e.RemoteAddr,
			Approved:    e.Approved,
			Error:       e.Error,
			StartedAt:   e.StartedAt,
			CompletedAt: e.CompletedAt,
			Results:     toVerdicts(e.Results),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func toVerdicts(results []audit.Result) []DispatchVerdict {
	out := make([]DispatchVerdict, 0, len(results))
	for _, r := range results {
		out = append(out, DispatchVerdict{
			Plugin:    r.Plugin,
			Verdict:   string(r.Verdict),
			ElapsedMS: r.Elapsed.Milliseconds(),
		})
	}
	return out
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mcpoverride-go/internal/catalog"
)

// apiResponse is the envelope for admin API responses.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// toolInfo describes one catalog entry for the admin API.
type toolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Servable    bool   `json:"servable"`
	Overridden  bool   `json:"overridden"`
}

// registerAdminRoutes mounts the admin endpoints under /api/v1.
func (s *Server) registerAdminRoutes(r chi.Router) {
	r.Get("/tools", s.handleListTools)
	r.Post("/tools/{name}/enable", s.handleEnableTool)
	r.Post("/tools/{name}/disable", s.handleDisableTool)
	r.Get("/sessions", s.handleListSessions)
	r.Get("/calls", s.handleListCalls)
}

// handleListTools returns the upstream snapshot annotated with servable
// and override state.
func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	overridden := make(map[string]struct{})
	for _, name := range s.overrides.Names() {
		overridden[name] = struct{}{}
	}

	tools := s.catalog.UpstreamTools()
	infos := make([]toolInfo, 0, len(tools))
	for i := range tools {
		_, hasOverride := overridden[tools[i].Name]
		infos = append(infos, toolInfo{
			Name:        tools[i].Name,
			Description: tools[i].Description,
			Servable:    s.catalog.IsServable(tools[i].Name),
			Overridden:  hasOverride,
		})
	}

	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: map[string]interface{}{
		"tools": infos,
	}})
}

func (s *Server) handleEnableTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.EnableTool(name); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, catalog.ErrUnknownTool) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: map[string]interface{}{
		"name":     name,
		"servable": true,
	}})
}

func (s *Server) handleDisableTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.DisableTool(name)
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: map[string]interface{}{
		"name":     name,
		"servable": false,
	}})
}

// handleListSessions returns the ids of sessions with a live upstream
// connection.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	ids := s.registry.IDs()
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: map[string]interface{}{
		"sessions": ids,
		"count":    len(ids),
	}})
}

// handleListCalls returns recent tool-call history, newest first. The
// limit query parameter caps the result; 0 means everything retained.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		s.writeError(w, http.StatusNotFound, "call history is disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = parsed
	}

	records, err := s.storage.ListToolCalls(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: map[string]interface{}{
		"calls": records,
		"count": len(records),
	}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, apiResponse{Success: false, Error: message})
}

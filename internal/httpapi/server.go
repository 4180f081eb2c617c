// Package httpapi exposes the team-state remote store over HTTP: per-team
// get/put, the bulk admin pull/push used by dashboards and exports, and the
// derived progress-meta endpoint.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/cyberquest/vaultsync/internal/teamstate"
)

type ServerConfig struct {
	// AdminToken, when set, gates the bulk /pull and /push routes behind a
	// bearer token. Per-team routes stay open; auth is handled upstream.
	AdminToken string
	// MaxBodyBytes caps request bodies, default 1 MiB.
	MaxBodyBytes int64
}

type Server struct {
	store teamstate.Store
	cfg   ServerConfig
	log   *zap.SugaredLogger

	teamStateSchema *jsonschema.Schema
	bulkPushSchema  *jsonschema.Schema
}

func NewServer(store teamstate.Store, logger *zap.SugaredLogger) *Server {
	return NewServerWithConfig(store, logger, ServerConfig{})
}

func NewServerWithConfig(store teamstate.Store, logger *zap.SugaredLogger, cfg ServerConfig) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		store:           store,
		cfg:             cfg,
		log:             logger,
		teamStateSchema: mustCompileSchema("team-state.json", teamStateSchemaJSON),
		bulkPushSchema:  mustCompileSchema("bulk-push.json", bulkPushSchemaJSON),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/team-state" && r.Method == http.MethodGet:
		s.handleGetTeamState(w, r)
	case r.URL.Path == "/team-state" && r.Method == http.MethodPut:
		s.handlePutTeamState(w, r)
	case r.URL.Path == "/team-state-meta" && r.Method == http.MethodGet:
		s.handleTeamStateMeta(w, r)
	case r.URL.Path == "/pull" && r.Method == http.MethodGet:
		s.handleBulkPull(w, r)
	case r.URL.Path == "/push" && r.Method == http.MethodPut:
		s.handleBulkPush(w, r)
	default:
		writeError(w, http.StatusNotFound, "route not found")
	}
}

func (s *Server) handleGetTeamState(w http.ResponseWriter, r *http.Request) {
	team := teamstate.NormalizeTeam(r.URL.Query().Get("team"))
	if team == "" {
		writeError(w, http.StatusBadRequest, "missing team")
		return
	}
	rec, err := s.store.Get(r.Context(), team)
	if err != nil {
		if errors.Is(err, teamstate.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Errorw("team state get failed", "team", team, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load team state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "state": rec})
}

func (s *Server) handlePutTeamState(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if !s.validateBody(w, body, s.teamStateSchema) {
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	team := ""
	if t, ok := raw["team"].(string); ok {
		team = teamstate.NormalizeTeam(t)
	}
	if team == "" {
		writeError(w, http.StatusBadRequest, "missing team")
		return
	}
	if err := s.store.Put(r.Context(), team, raw); err != nil {
		if errors.Is(err, teamstate.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Errorw("team state put failed", "team", team, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store team state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTeamStateMeta(w http.ResponseWriter, r *http.Request) {
	team := teamstate.NormalizeTeam(r.URL.Query().Get("team"))
	if team == "" {
		writeError(w, http.StatusBadRequest, "missing team")
		return
	}
	rec, err := s.store.Find(r.Context(), team)
	if err != nil {
		switch {
		case errors.Is(err, teamstate.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown team")
		case errors.Is(err, teamstate.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.log.Errorw("team state meta failed", "team", team, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load team state")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "meta": rec.Meta()})
}

func (s *Server) handleBulkPull(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(w, r) {
		return
	}
	records, err := s.store.GetAll(r.Context())
	if err != nil {
		s.log.Errorw("bulk pull failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load teams")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "teams": records})
}

func (s *Server) handleBulkPush(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(w, r) {
		return
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if !s.validateBody(w, body, s.bulkPushSchema) {
		return
	}
	var req struct {
		Teams []map[string]any `json:"teams"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	updated, err := s.store.PutAll(r.Context(), req.Teams)
	if err != nil {
		s.log.Errorw("bulk push failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store teams")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": updated})
}

func (s *Server) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "Bearer "+s.cfg.AdminToken {
		return true
	}
	writeError(w, http.StatusUnauthorized, "missing or invalid admin token")
	return false
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limited := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

// validateBody checks the request envelope only; field-level repair belongs
// to the sanitizer, which never rejects a write.
func (s *Server) validateBody(w http.ResponseWriter, body []byte, schema *jsonschema.Schema) bool {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := schema.Validate(inst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

package worker

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/tandem/pkg/models"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// parseLimitParam parses a limit query parameter with a default value.
func parseLimitParam(r *http.Request, defaultLimit int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultLimit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requireReady rejects requests until the service has started.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, "service not ready")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	}
	body := map[string]any{
		"status":      status,
		"version":     s.version,
		"uptime":      time.Since(s.startTime).Round(time.Second).String(),
		"connections": s.conns.Load(),
	}
	if s.sessions != nil {
		body["sessions"] = s.sessions.Count()
	}
	if s.tasks != nil {
		body["tasks"] = s.tasks.Len()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Service) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "service not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleState returns the snapshot a reconnecting client would receive.
func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	active := ""
	if key := r.URL.Query().Get("session"); key != "" && s.sessions != nil {
		if sess, ok := s.sessions.Lookup(key); ok {
			active = sess.ActiveStack()
		}
	}
	snap, err := s.snapshots.Build(r.Context(), active)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build state snapshot")
		writeError(w, http.StatusInternalServerError, "failed to build snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeError(w, http.StatusServiceUnavailable, "memory store unavailable")
		return
	}
	q := r.URL.Query()
	var typ models.LearningType
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		parsed, ok := models.ParseLearningType(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown learning type "+raw)
			return
		}
		typ = parsed
	}
	limit := parseLimitParam(r, defaultSearchLimit)
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	results, err := s.memory.Search(r.Context(), q.Get("q"), typ, limit)
	if err != nil {
		log.Error().Err(err).Msg("Memory search failed")
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if results == nil {
		results = []*models.Learning{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

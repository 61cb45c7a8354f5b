package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/hive/internal/queue"
)

const (
	defaultResults = 10
	maxResults     = 100
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.getStatus)
	mux.HandleFunc("GET /api/results", s.listResults)
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("GET /api/runs", s.listRuns)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.source.Status(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	jsonResponse(w, map[string]any{
		"version": s.version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"swarm":   st,
	})
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	n := defaultResults
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			jsonError(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = min(parsed, maxResults)
	}

	entries, err := s.source.TopResults(r.Context(), n)
	if err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	jsonResponse(w, entries)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.source.Tasks(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := make([]queue.Task, 0, len(tasks))
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	jsonResponse(w, tasks)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "no store configured", http.StatusNotFound)
		return
	}
	runs, err := s.store.ListRuns(50)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, runs)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

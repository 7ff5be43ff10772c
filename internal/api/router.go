package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reimonlp/greenhouse/internal/audit"
	"github.com/reimonlp/greenhouse/internal/automation"
	"github.com/reimonlp/greenhouse/internal/relay"
	"github.com/reimonlp/greenhouse/internal/sensor"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)
	if s.collectors != nil && s.metricsCfg.Enabled {
		path := s.metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, s.collectors.Handler())
	}

	r.Get(s.wsPath, s.handleWebSocket)

	// Read-only mirrors of the real-time queries.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/relays", s.handleListRelays)
		r.Get("/relays/{id}/history", s.handleRelayHistory)
		r.Get("/rules", s.handleListRules)
		r.Get("/rules/{id}", s.handleGetRule)
		r.Get("/sensors/latest", s.handleLatestReading)
		r.Get("/sensors/history", s.handleReadingHistory)
		r.Get("/logs", s.handleListLogs)
	})

	if s.dashboard != nil {
		r.Handle("/*", s.dashboard)
	}

	return r
}

// handleHealth reports liveness and database reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, dbStatus, code := "ok", "connected", http.StatusOK
	if s.db == nil {
		dbStatus = "unavailable"
	} else if err := s.db.HealthCheck(r.Context()); err != nil {
		s.logger.Warn("health check: database unreachable", "error", err)
		status, dbStatus, code = "degraded", "error", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"database": dbStatus,
		"version":  s.version,
	})
}

func (s *Server) writeList(w http.ResponseWriter, data any, count int) {
	writeJSON(w, http.StatusOK, response{
		Success:   true,
		Data:      data,
		Count:     &count,
		Timestamp: s.now().UTC(),
	})
}

func (s *Server) handleListRelays(w http.ResponseWriter, r *http.Request) {
	states, err := s.relays.CurrentStates(r.Context())
	if err != nil {
		s.logger.Error("listing relay states failed", "error", err)
		writeInternalError(w, "failed to list relay states")
		return
	}
	s.writeList(w, states, len(states))
}

func (s *Server) handleRelayHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "relay id must be an integer")
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	history, err := s.relays.History(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, relay.ErrInvalidRelayID) {
			writeNotFound(w, "relay not found")
			return
		}
		s.logger.Error("loading relay history failed", "relay_id", id, "error", err)
		writeInternalError(w, "failed to load relay history")
		return
	}
	s.writeList(w, history, len(history))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.List(r.Context())
	if err != nil {
		s.logger.Error("listing rules failed", "error", err)
		writeInternalError(w, "failed to list rules")
		return
	}
	s.writeList(w, rules, len(rules))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, automation.ErrRuleNotFound) {
			writeNotFound(w, "Rule not found")
			return
		}
		s.logger.Error("loading rule failed", "error", err)
		writeInternalError(w, "failed to load rule")
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: rule, Timestamp: s.now().UTC()})
}

func (s *Server) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	reading, err := s.readings.Latest(r.Context())
	if err != nil {
		if errors.Is(err, sensor.ErrNoReadings) {
			writeNotFound(w, "no sensor readings yet")
			return
		}
		s.logger.Error("loading latest reading failed", "error", err)
		writeInternalError(w, "failed to load latest reading")
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: reading, Timestamp: s.now().UTC()})
}

func (s *Server) handleReadingHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	q := sensor.HistoryQuery{DeviceID: r.URL.Query().Get("device_id"), Limit: limit}
	if q.Start, err = timeQuery(r, "start"); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if q.End, err = timeQuery(r, "end"); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	readings, err := s.readings.History(r.Context(), q)
	if err != nil {
		s.logger.Error("loading sensor history failed", "error", err)
		writeInternalError(w, "failed to load sensor history")
		return
	}
	s.writeList(w, readings, len(readings))
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	entries, err := s.audit.List(r.Context(), audit.Filter{
		Level:  audit.Level(r.URL.Query().Get("level")),
		Source: audit.Source(r.URL.Query().Get("source")),
		Limit:  limit,
	})
	if err != nil {
		s.logger.Error("listing system log failed", "error", err)
		writeInternalError(w, "failed to list system log")
		return
	}
	s.writeList(w, entries, len(entries))
}

// intQuery parses an optional non-negative integer query parameter.
func intQuery(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return v, nil
}

// timeQuery parses an optional RFC 3339 query parameter.
func timeQuery(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(name + " must be an RFC 3339 timestamp")
	}
	return t, nil
}

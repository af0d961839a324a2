// Package api exposes the read-only detection query surface consumed by
// alerting, evidence-packaging, and dashboard collaborators.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/tracelight/marketscan/internal/health"
	"github.com/tracelight/marketscan/internal/model"
	"github.com/tracelight/marketscan/internal/normalize"
	"github.com/tracelight/marketscan/internal/store"
)

// Deps are the collaborators the router reads from. Reports may be nil when
// no orchestrator runs in this process.
type Deps struct {
	Store     store.Store
	Collector *health.Collector
	Reports   health.ReportSource
}

// NewRouter builds the HTTP read API.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/detections", listDetections(d.Store))
		r.Get("/detections/lookup", lookupDetection(d.Store))
		r.Get("/health", getHealth(d.Collector))
		r.Get("/cycles/last", lastCycle(d.Reports))
	})

	return r
}

func listDetections(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		f := store.Filter{
			Platform: model.Platform(q.Get("platform")),
			Level:    model.ThreatLevel(q.Get("level")),
		}
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				f.Limit = n
			}
		}
		if v := q.Get("since_hours"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				f.Since = time.Now().Add(-time.Duration(n) * time.Hour)
			}
		}

		detections, err := st.ListRecent(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list failed")
			zap.L().Error("api: list detections", zap.Error(err))
			return
		}
		writeJSON(w, http.StatusOK, detections)
	}
}

func lookupDetection(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawURL := r.URL.Query().Get("url")
		if rawURL == "" {
			writeError(w, http.StatusBadRequest, "url parameter required")
			return
		}
		canon, err := normalize.CanonicalURL(rawURL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "url is not absolute")
			return
		}

		d, err := st.FindByURL(r.Context(), canon)
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "no detection for url")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "lookup failed")
			zap.L().Error("api: lookup detection", zap.Error(err))
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func getHealth(c *health.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := c.Collect(r.Context(), 24)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "health collection failed")
			zap.L().Error("api: health", zap.Error(err))
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func lastCycle(reports health.ReportSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reports == nil {
			writeError(w, http.StatusNotFound, "no scheduler in this process")
			return
		}
		report := reports.LastReport()
		if report == nil {
			writeError(w, http.StatusNotFound, "no cycle completed yet")
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

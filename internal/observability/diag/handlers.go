package diag

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"mirrord/internal/jobpool"
	"mirrord/internal/runtime/supervisor"
	"mirrord/internal/storage"
	"mirrord/internal/trigger"
)

// Sources feed the JSON endpoints. Nil members turn their endpoint into a 404.
type Sources struct {
	Pools      func() []jobpool.Snapshot
	Schedules  func() []trigger.ScheduleInfo
	Goroutines func() map[string]supervisor.Snapshot
	Runs       func(ctx context.Context, q storage.RunQuery) ([]storage.RunRecord, error)
	Gatherer   prometheus.Gatherer
}

// Handler builds the diagnostics mux for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)

	if s.src.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.src.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /debug/pools", func(w http.ResponseWriter, r *http.Request) {
		if s.src.Pools == nil {
			http.NotFound(w, r)
			return
		}
		snaps := s.src.Pools()
		if name := r.URL.Query().Get("name"); name != "" {
			filtered := snaps[:0]
			for _, sn := range snaps {
				if sn.Name == name {
					filtered = append(filtered, sn)
				}
			}
			snaps = filtered
		}
		writeJSON(w, http.StatusOK, map[string]any{"pools": snaps})
	})

	mux.HandleFunc("GET /debug/schedules", func(w http.ResponseWriter, r *http.Request) {
		if s.src.Schedules == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedules": s.src.Schedules()})
	})

	mux.HandleFunc("GET /debug/goroutines", func(w http.ResponseWriter, r *http.Request) {
		if s.src.Goroutines == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, s.src.Goroutines())
	})

	mux.HandleFunc("GET /debug/runs", func(w http.ResponseWriter, r *http.Request) {
		if s.src.Runs == nil {
			http.NotFound(w, r)
			return
		}
		q := storage.RunQuery{Pool: r.URL.Query().Get("pool"), JobID: r.URL.Query().Get("job")}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
				return
			}
			q.Limit = n
		}
		runs, err := s.src.Runs(r.Context(), q)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	})

	var h http.Handler = withAuth(cfg.Token, mux)
	if len(cfg.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Authorization"},
		}).Handler(h)
	}
	return h
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, next http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

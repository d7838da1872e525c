// Package api serves the small ops HTTP surface: a liveness probe backed by
// the scheduler's heartbeat file, a JSON job listing for operators, and the
// Prometheus metrics. Started only in containerized deployments.
package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nivalis-io/ipa-orchestrator/internal/repositories"
)

// staleFactor: the heartbeat counts as live while it is younger than this
// many tick intervals. Allows one missed tick plus scheduling jitter.
const staleFactor = 3

// RouterConfig holds the dependencies of the ops router, populated in main
// after all components are initialized.
type RouterConfig struct {
	HeartbeatFile string
	TickInterval  time.Duration
	Jobs          repositories.JobRepository
	Logger        *zap.Logger
}

// NewRouter builds the ops router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	h := &opsHandler{cfg: cfg}
	r.Get("/", h.liveness)
	r.Get("/jobs", h.listJobs)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type opsHandler struct {
	cfg RouterConfig
}

// liveness answers 200 while the heartbeat file was touched within the
// tolerance window and 503 otherwise, so the container runtime restarts a
// wedged process.
func (h *opsHandler) liveness(w http.ResponseWriter, r *http.Request) {
	raw, err := os.ReadFile(h.cfg.HeartbeatFile)
	if err != nil {
		http.Error(w, "no heartbeat recorded", http.StatusServiceUnavailable)
		return
	}

	beat, err := time.Parse(time.RFC3339, strings.TrimSpace(string(raw)))
	if err != nil {
		http.Error(w, "unreadable heartbeat", http.StatusServiceUnavailable)
		return
	}

	age := time.Since(beat)
	if age > staleFactor*h.cfg.TickInterval {
		http.Error(w, "heartbeat stale: "+age.Truncate(time.Second).String(),
			http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok, last heartbeat " + age.Truncate(time.Second).String() + " ago\n"))
}

// listJobs returns recent jobs, newest first.
func (h *opsHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}

	jobs, total, err := h.cfg.Jobs.List(r.Context(), limit, offset)
	if err != nil {
		h.cfg.Logger.Error("listing jobs failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, jobListResponse{Total: total, Jobs: toJobViews(jobs)})
}

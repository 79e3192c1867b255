package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ketobot/ketobot-stack/common/httputil"
	"github.com/ketobot/ketobot-stack/common/middleware"
)

const readyTimeout = 2 * time.Second

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// NewRouter constructs a ServeMux with the webhook, health and metrics routes.
// The worker passes a nil webhook and only serves probes and metrics.
func NewRouter(webhook http.Handler, service string, deps map[string]Pinger) http.Handler {
	mux := http.NewServeMux()

	if webhook != nil {
		mux.Handle("/webhook", webhook)
	}

	h := &healthHandler{service: service, deps: deps}
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)

	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}

type healthHandler struct {
	service string
	deps    map[string]Pinger
}

// Health handles GET /healthz
func (h *healthHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": h.service,
	})
}

// Ready handles GET /readyz. It answers 503 when any dependency fails its ping.
func (h *healthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.deps[name].Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{
		"status":  "ready",
		"service": h.service,
		"checks":  checks,
	}
	if status != http.StatusOK {
		body["status"] = "not_ready"
	}
	httputil.WriteJSON(w, status, body)
}

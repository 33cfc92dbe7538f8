// Package httpmux assembles the HTTP-facing surface of a node
// (SPEC_FULL.md's HTTP health/metrics supplement): the WebSocket
// upgrade route when the deployment terminates all HTTP traffic behind
// a single listener, plus /healthz and /metrics.
//
// Grounded on no single teacher file directly (the teacher's primary
// transport is gRPC, not an HTTP mux), but on the teacher's own
// dependency on go-chi/chi/v5 going otherwise unexercised in the
// filtered pack copy; this is the natural consumer of that dependency.
package httpmux

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/internal/client"
	"github.com/actormesh/core/pkg/metrics"
	"github.com/actormesh/core/pkg/transport/wsbind"
)

// HealthReport is the /healthz response body.
type HealthReport struct {
	Status       string `json:"status"` // "ok" or "degraded"
	ActorCount   int    `json:"actorCount"`
	PendingCalls int    `json:"pendingCalls"`
	ClientState  string `json:"clientState,omitempty"`
}

// Option configures the mux at construction time.
type Option func(*config)

type config struct {
	ws      *wsbind.Binding
	client  *client.Client
	metrics *metrics.Collector
}

// WithWebSocketUpgrade mounts b's upgrade handler at /ws.
func WithWebSocketUpgrade(b *wsbind.Binding) Option {
	return func(c *config) { c.ws = b }
}

// WithClient attaches a Client whose connection state is folded into the
// /healthz report as "degraded" when not Connected. Optional: a
// server-only node has no Client to report on.
func WithClient(cl *client.Client) Option {
	return func(c *config) { c.client = cl }
}

// WithMetrics attaches the collector /metrics dumps. Optional: without
// one, /metrics reports an empty snapshot.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *config) { c.metrics = m }
}

// New builds the chi.Router serving sys's liveness and metrics, and
// optionally the WS upgrade route.
func New(sys *actorsystem.System, opts ...Option) chi.Router {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if cfg.ws != nil {
		r.Get("/ws", cfg.ws.UpgradeHandler())
	}

	r.Get("/healthz", healthHandler(sys, cfg.client))
	r.Get("/metrics", metricsHandler(cfg.metrics))

	return r
}

func healthHandler(sys *actorsystem.System, cl *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := HealthReport{
			Status:       "ok",
			ActorCount:   sys.LocalActorCount(),
			PendingCalls: sys.PendingCount(),
		}
		if cl != nil {
			state := cl.State()
			report.ClientState = state.String()
			if state.Kind != client.Connected {
				report.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if report.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

// metricsDump is the /metrics JSON body: go-metrics' own counter/gauge
// summary plus this package's bounded-reservoir histogram snapshots
// (spec §4.7 — no concrete metric sink is mandated, so this is the
// minimal generic consumer of Collector.Flush/Sink).
type metricsDump struct {
	Counters   any                                   `json:"counters,omitempty"`
	Histograms map[string]metrics.HistogramSnapshot `json:"histograms,omitempty"`
}

func metricsHandler(collector *metrics.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if collector == nil {
			_ = json.NewEncoder(w).Encode(metricsDump{})
			return
		}

		summary, err := collector.Sink().DisplayMetrics(w, r)
		if err != nil {
			_ = json.NewEncoder(w).Encode(metricsDump{Histograms: collector.Flush()})
			return
		}
		_ = json.NewEncoder(w).Encode(metricsDump{Counters: summary, Histograms: collector.Flush()})
	}
}

// Package metrics exposes navcored counters over a Prometheus endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waypt/navcore/pkg/logx"
)

var (
	FixesAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navcore_fixes_accepted_total",
		Help: "Fixes accepted by the arbiter, by provider.",
	}, []string{"provider"})

	FixesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navcore_fixes_rejected_total",
		Help: "Fixes rejected by the arbiter, by provider.",
	}, []string{"provider"})

	ProviderDowngrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "navcore_provider_downgrades_total",
		Help: "Fused-to-native provider downgrades.",
	})

	RouteBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navcore_route_builds_total",
		Help: "Finished route builds, by result code.",
	}, []string{"code"})

	RoutesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "navcore_routes_completed_total",
		Help: "Navigations that reached their destination.",
	})

	LastFixAccuracy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "navcore_last_fix_accuracy_meters",
		Help: "Accuracy of the last accepted fix.",
	})

	RoutingPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "navcore_routing_phase",
		Help: "Routing session phase (0 idle, 1 planning, 2 navigating).",
	})
)

// Server serves the Prometheus scrape endpoint.
type Server struct {
	logger *logx.Logger
	server *http.Server
}

// NewServer creates a metrics server on the given port.
func NewServer(logger *logx.Logger, port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		logger: logger,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves until Stop is called.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics listener started", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics listener failed", "error", err)
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics listener shutdown failed", "error", err)
	}
}

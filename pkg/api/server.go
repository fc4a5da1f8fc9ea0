// Package api exposes the daemon's control surface over HTTP: position and
// track queries, location session control, and the routing session
// operations a frontend drives.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/waypt/navcore/pkg"
	"github.com/waypt/navcore/pkg/location"
	"github.com/waypt/navcore/pkg/logx"
	"github.com/waypt/navcore/pkg/routing"
	"github.com/waypt/navcore/pkg/telem"
)

// Config holds the API server configuration.
type Config struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	AuthKey string `json:"auth_key"`
}

// Server is the HTTP control API.
type Server struct {
	location  *location.Session
	routing   *routing.Session
	telemetry *telem.Store
	config    Config
	logger    *logx.Logger
	server    *http.Server
	startTime time.Time
}

// NewServer creates the API server. Call Start to begin serving.
func NewServer(loc *location.Session, router *routing.Session, store *telem.Store, cfg Config, logger *logx.Logger) *Server {
	return &Server{
		location:  loc,
		routing:   router,
		telemetry: store,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Debug("API server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.auth(s.handleStatus))
	mux.HandleFunc("/api/position", s.auth(s.handlePosition))
	mux.HandleFunc("/api/track", s.auth(s.handleTrack))
	mux.HandleFunc("/api/events", s.auth(s.handleEvents))
	mux.HandleFunc("/api/location/start", s.auth(s.handleLocationStart))
	mux.HandleFunc("/api/location/stop", s.auth(s.handleLocationStop))
	mux.HandleFunc("/api/location/restart", s.auth(s.handleLocationRestart))
	mux.HandleFunc("/api/location/mode", s.auth(s.handleLocationMode))
	mux.HandleFunc("/api/route/prepare", s.auth(s.handleRoutePrepare))
	mux.HandleFunc("/api/route/origin", s.auth(s.handleRouteOrigin))
	mux.HandleFunc("/api/route/destination", s.auth(s.handleRouteDestination))
	mux.HandleFunc("/api/route/swap", s.auth(s.handleRouteSwap))
	mux.HandleFunc("/api/route/kind", s.auth(s.handleRouteKind))
	mux.HandleFunc("/api/route/start", s.auth(s.handleRouteStart))
	mux.HandleFunc("/api/route/rebuild", s.auth(s.handleRouteRebuild))
	mux.HandleFunc("/api/route/cancel", s.auth(s.handleRouteCancel))
	mux.HandleFunc("/api/route/disclaimer", s.auth(s.handleDisclaimer))

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("API server started", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.Close()
	}
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("auth")
		}
		if key != s.config.AuthKey {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	}
}

type pointRequest struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"uptime_s":          int64(time.Since(s.startTime).Seconds()),
		"location_active":   s.location.IsActive(),
		"location_provider": s.location.ActiveProviderName(),
		"location_mode":     s.location.Mode().String(),
		"downgraded":        s.location.IsDowngraded(),
		"routing_phase":     s.routing.Phase().String(),
		"routing_build":     s.routing.BuildState().String(),
		"router_kind":       string(s.routing.RouterKind()),
		"build_progress":    s.routing.Progress(),
	}
	if fix := s.location.LastFix(); fix != nil {
		status["last_fix"] = fix
	}
	s.writeJSON(w, status)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	fix := s.location.LastFix()
	if fix == nil {
		s.writeError(w, http.StatusNotFound, "no position fix accepted yet")
		return
	}
	s.writeJSON(w, fix)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{"track": s.telemetry.Track(s.sinceParam(r))})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{"events": s.telemetry.Events(s.sinceParam(r))})
}

func (s *Server) sinceParam(r *http.Request) time.Time {
	since := time.Now().Add(-time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			since = parsed
		}
	}
	return since
}

func (s *Server) handleLocationStart(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	s.location.SetStoppedByUser(false)
	s.location.Start()
	s.writeOK(w)
}

func (s *Server) handleLocationStop(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	s.location.SetStoppedByUser(true)
	s.location.Stop()
	s.writeOK(w)
}

func (s *Server) handleLocationRestart(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	s.location.Restart()
	s.writeOK(w)
}

func (s *Server) handleLocationMode(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, ok := parseMode(req.Mode)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
		return
	}
	s.location.SetMode(mode)
	s.location.Restart()
	s.writeOK(w)
}

func (s *Server) handleRoutePrepare(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var req *pointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var dest *pkg.RoutingPoint
	if req != nil {
		dest = &pkg.RoutingPoint{Lat: req.Lat, Lon: req.Lon, Source: pkg.PointUserPick}
	}
	if err := s.routing.Prepare(dest); err != nil {
		s.writeRoutingError(w, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleRouteOrigin(w http.ResponseWriter, r *http.Request) {
	s.handlePointAssignment(w, r, s.routing.SetOrigin)
}

func (s *Server) handleRouteDestination(w http.ResponseWriter, r *http.Request) {
	s.handlePointAssignment(w, r, s.routing.SetDestination)
}

func (s *Server) handlePointAssignment(w http.ResponseWriter, r *http.Request, assign func(pkg.RoutingPoint) bool) {
	if !s.requirePost(w, r) {
		return
	}
	var req pointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	applied := assign(pkg.RoutingPoint{Lat: req.Lat, Lon: req.Lon, Source: pkg.PointUserPick})
	s.writeJSON(w, map[string]interface{}{"status": "ok", "applied": applied})
}

func (s *Server) handleRouteSwap(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	s.routing.SwapPoints()
	s.writeOK(w)
}

func (s *Server) handleRouteKind(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var req struct {
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch kind := pkg.RouterKind(req.Kind); kind {
	case pkg.RouterVehicle, pkg.RouterPedestrian, pkg.RouterBicycle, pkg.RouterTransit:
		s.routing.SetRouterKind(kind)
		s.writeOK(w)
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown router kind %q", req.Kind))
	}
}

func (s *Server) handleRouteStart(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	if err := s.routing.Start(); err != nil {
		s.writeRoutingError(w, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleRouteRebuild(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	if err := s.routing.RebuildFromMyPosition(); err != nil {
		s.writeRoutingError(w, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleRouteCancel(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	s.routing.Cancel()
	s.writeOK(w)
}

func (s *Server) handleDisclaimer(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	s.routing.AcceptDisclaimer()
	s.writeOK(w)
}

func (s *Server) writeRoutingError(w http.ResponseWriter, err error) {
	status := http.StatusConflict
	switch {
	case errors.Is(err, routing.ErrNoPosition):
		status = http.StatusPreconditionFailed
	case errors.Is(err, routing.ErrDisclaimerNotAccepted):
		status = http.StatusForbidden
	case errors.Is(err, routing.ErrRebuildPending):
		status = http.StatusAccepted
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func (s *Server) writeOK(w http.ResponseWriter) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to encode API response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func parseMode(raw string) (pkg.SessionMode, bool) {
	switch raw {
	case "not_following":
		return pkg.ModeNotFollowing, true
	case "follow":
		return pkg.ModeFollow, true
	case "follow_and_rotate":
		return pkg.ModeFollowAndRotate, true
	case "navigating_vehicle":
		return pkg.ModeNavigatingVehicle, true
	case "navigating_bicycle":
		return pkg.ModeNavigatingBicycle, true
	case "navigating_pedestrian":
		return pkg.ModeNavigatingPedestrian, true
	case "navigating_transit":
		return pkg.ModeNavigatingTransit, true
	default:
		return pkg.ModeNotFollowing, false
	}
}

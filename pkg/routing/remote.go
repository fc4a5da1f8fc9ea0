package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/waypt/navcore/pkg"
	"github.com/waypt/navcore/pkg/logx"
)

// arrival radius around the route's final point, meters
const routeFinishedRadiusM = 25.0

// RemoteEngine builds routes via an HTTP routing backend. Follow state is
// kept locally: the backend computes geometry, the engine answers the
// destination-reached query against the followed route's final point.
type RemoteEngine struct {
	logger     *logx.Logger
	baseURL    string
	httpClient *http.Client

	mu        sync.Mutex
	following *Route
	lastBuilt *Route
}

type remoteRouteRequest struct {
	Router string      `json:"router"`
	Start  remotePoint `json:"start"`
	End    remotePoint `json:"end"`
}

type remotePoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type remoteRouteResponse struct {
	Code            string       `json:"code"`
	DistanceMeters  float64      `json:"distance_m"`
	DurationSeconds float64      `json:"duration_s"`
	Polyline        [][2]float64 `json:"polyline"`
	MissingMaps     []string     `json:"missing_maps,omitempty"`
}

// NewRemoteEngine creates an engine client against the given base URL.
func NewRemoteEngine(logger *logx.Logger, baseURL string, timeout time.Duration) *RemoteEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteEngine{
		logger:  logger,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BuildRoute requests a route from the backend. Transport failures map to
// ResultInternalError; a cancelled context maps to ResultCancelled.
func (re *RemoteEngine) BuildRoute(ctx context.Context, kind pkg.RouterKind, start, end pkg.RoutingPoint, onProgress func(int)) BuildResult {
	body, err := json.Marshal(remoteRouteRequest{
		Router: string(kind),
		Start:  remotePoint{Lat: start.Lat, Lon: start.Lon},
		End:    remotePoint{Lat: end.Lat, Lon: end.Lon},
	})
	if err != nil {
		return BuildResult{Code: ResultInternalError}
	}

	url := fmt.Sprintf("%s/route", re.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return BuildResult{Code: ResultInternalError}
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := re.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return BuildResult{Code: ResultCancelled}
		}
		re.logger.Warn("route request failed", "error", err)
		return BuildResult{Code: ResultInternalError}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return BuildResult{Code: ResultInternalError}
	}
	if resp.StatusCode != http.StatusOK {
		re.logger.Warn("route backend returned an error status",
			"status", resp.StatusCode, "body", string(data))
		return BuildResult{Code: ResultInternalError}
	}

	var result remoteRouteResponse
	if err := json.Unmarshal(data, &result); err != nil {
		re.logger.Warn("failed to parse route response", "error", err)
		return BuildResult{Code: ResultInternalError}
	}

	code := parseResultCode(result.Code)
	re.logger.Debug("route build finished",
		"code", code.String(), "distance_m", result.DistanceMeters, "latency_ms", time.Since(started).Milliseconds())

	if !code.IsSuccess() {
		return BuildResult{Code: code, MissingMaps: result.MissingMaps}
	}

	route := &Route{
		Kind:            kind,
		DistanceMeters:  result.DistanceMeters,
		DurationSeconds: result.DurationSeconds,
		Polyline:        result.Polyline,
	}
	re.mu.Lock()
	re.lastBuilt = route
	re.mu.Unlock()

	if onProgress != nil {
		onProgress(100)
	}
	return BuildResult{Code: code, Route: route, MissingMaps: result.MissingMaps}
}

// FollowRoute begins turn-following on the last built route.
func (re *RemoteEngine) FollowRoute() {
	re.mu.Lock()
	defer re.mu.Unlock()

	if re.lastBuilt == nil {
		re.logger.Warn("follow requested with no built route")
		return
	}
	re.following = re.lastBuilt
}

// CloseRouting drops the followed and built routes.
func (re *RemoteEngine) CloseRouting() {
	re.mu.Lock()
	defer re.mu.Unlock()
	re.following = nil
	re.lastBuilt = nil
}

// IsRouteFinished reports whether the position is within the arrival radius
// of the followed route's final point.
func (re *RemoteEngine) IsRouteFinished(current pkg.Fix) bool {
	re.mu.Lock()
	route := re.following
	re.mu.Unlock()

	if route == nil || len(route.Polyline) == 0 {
		return false
	}
	end := route.Polyline[len(route.Polyline)-1]
	return haversineMeters(current.Lat, current.Lon, end[0], end[1]) <= routeFinishedRadiusM
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}

func parseResultCode(code string) ResultCode {
	switch code {
	case "", "ok", "no_error":
		return ResultNoError
	case "cancelled":
		return ResultCancelled
	case "no_position":
		return ResultNoPosition
	case "inconsistent_map_and_route":
		return ResultInconsistentMapAndRoute
	case "route_file_not_exist":
		return ResultRouteFileNotExist
	case "start_point_not_found":
		return ResultStartPointNotFound
	case "end_point_not_found":
		return ResultEndPointNotFound
	case "intermediate_point_not_found":
		return ResultIntermediatePointNotFound
	case "points_in_different_maps":
		return ResultPointsInDifferentMaps
	case "route_not_found":
		return ResultRouteNotFound
	case "need_more_maps":
		return ResultNeedMoreMaps
	case "file_too_old":
		return ResultFileTooOld
	case "transit_route_not_found_no_network":
		return ResultTransitRouteNotFoundNoNetwork
	case "transit_route_not_found_too_long_pedestrian":
		return ResultTransitRouteNotFoundTooLongPedestrian
	default:
		return ResultInternalError
	}
}

package routing

import (
	"context"

	"github.com/waypt/navcore/pkg"
)

// Route is a successfully built route, ready for navigation.
type Route struct {
	Kind            pkg.RouterKind `json:"kind"`
	DistanceMeters  float64        `json:"distance_m"`
	DurationSeconds float64        `json:"duration_s"`

	// Polyline is the route geometry as lat,lon pairs, endpoint included.
	Polyline [][2]float64 `json:"polyline"`
}

// BuildResult is the outcome of one build attempt. Route is non-nil exactly
// when Code is a success; MissingMaps may accompany the map-related failures.
type BuildResult struct {
	Code        ResultCode
	Route       *Route
	MissingMaps []string
}

// Engine is the routing backend boundary. BuildRoute blocks until the route
// is ready, the build fails, or the context is cancelled; the session runs
// it on its own goroutine and discards results from superseded builds.
// onProgress may be invoked any number of times during the build, on any
// goroutine, with a percentage in 0..100.
type Engine interface {
	BuildRoute(ctx context.Context, kind pkg.RouterKind, start, end pkg.RoutingPoint, onProgress func(percent int)) BuildResult

	// FollowRoute switches the engine into turn-following on the last
	// built route.
	FollowRoute()

	// CloseRouting tears down the engine's routing context.
	CloseRouting()

	// IsRouteFinished reports whether the given position has reached the
	// end of the followed route.
	IsRouteFinished(current pkg.Fix) bool
}

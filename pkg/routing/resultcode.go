// Package routing implements the route planning session: the state machine
// that owns the origin and destination points, drives asynchronous route
// builds against an engine, and tracks turn-by-turn navigation.
package routing

// ResultCode classifies the outcome of a route build.
type ResultCode int

const (
	ResultNoError ResultCode = iota
	ResultCancelled
	ResultNoPosition
	ResultInconsistentMapAndRoute
	ResultRouteFileNotExist
	ResultStartPointNotFound
	ResultEndPointNotFound
	ResultIntermediatePointNotFound
	ResultPointsInDifferentMaps
	ResultRouteNotFound
	ResultNeedMoreMaps
	ResultInternalError
	ResultFileTooOld
	ResultTransitRouteNotFoundNoNetwork
	ResultTransitRouteNotFoundTooLongPedestrian
)

func (c ResultCode) String() string {
	switch c {
	case ResultNoError:
		return "no_error"
	case ResultCancelled:
		return "cancelled"
	case ResultNoPosition:
		return "no_position"
	case ResultInconsistentMapAndRoute:
		return "inconsistent_map_and_route"
	case ResultRouteFileNotExist:
		return "route_file_not_exist"
	case ResultStartPointNotFound:
		return "start_point_not_found"
	case ResultEndPointNotFound:
		return "end_point_not_found"
	case ResultIntermediatePointNotFound:
		return "intermediate_point_not_found"
	case ResultPointsInDifferentMaps:
		return "points_in_different_maps"
	case ResultRouteNotFound:
		return "route_not_found"
	case ResultNeedMoreMaps:
		return "need_more_maps"
	case ResultInternalError:
		return "internal_error"
	case ResultFileTooOld:
		return "file_too_old"
	case ResultTransitRouteNotFoundNoNetwork:
		return "transit_route_not_found_no_network"
	case ResultTransitRouteNotFoundTooLongPedestrian:
		return "transit_route_not_found_too_long_pedestrian"
	default:
		return "unknown"
	}
}

// IsDownloadable reports whether downloading more map data can fix this
// failure. ResultNeedMoreMaps always can; the other map-related codes only
// when the engine actually named the missing maps.
func (c ResultCode) IsDownloadable(missingMaps []string) bool {
	if c == ResultNeedMoreMaps {
		return true
	}
	if len(missingMaps) == 0 {
		return false
	}
	switch c {
	case ResultInconsistentMapAndRoute, ResultRouteNotFound, ResultRouteFileNotExist, ResultFileTooOld:
		return true
	}
	return false
}

// IsSuccess reports a usable route. ResultNoError with warnings still counts.
func (c ResultCode) IsSuccess() bool {
	return c == ResultNoError
}

// Package pkg contains the shared value types used across navcore.
package pkg

import (
	"fmt"
	"time"
)

// ProviderTag identifies which positioning source produced a fix.
type ProviderTag string

const (
	ProviderNativeGps     ProviderTag = "native_gps"
	ProviderNativeNetwork ProviderTag = "native_network"
	ProviderFused         ProviderTag = "fused"
	ProviderPredicted     ProviderTag = "predicted"
)

// IsGPSClass reports whether the tag belongs to the trusted GPS-class source.
// GPS hardware may legitimately omit accuracy and still deliver a good fix.
func (t ProviderTag) IsGPSClass() bool {
	return t == ProviderNativeGps
}

// Fix is one immutable positioning reading. Optional fields are nil when the
// source did not report them; zero is a valid reported value and must not be
// conflated with "unknown".
type Fix struct {
	Time     time.Time   `json:"time"`
	Lat      float64     `json:"lat"`
	Lon      float64     `json:"lon"`
	Accuracy *float64    `json:"accuracy,omitempty"` // meters
	Speed    *float64    `json:"speed,omitempty"`    // m/s
	Bearing  *float64    `json:"bearing,omitempty"`  // degrees
	Altitude *float64    `json:"altitude,omitempty"` // meters
	Provider ProviderTag `json:"provider"`
}

// HasAccuracy reports whether the fix carries a defined, positive accuracy.
func (f Fix) HasAccuracy() bool {
	return f.Accuracy != nil && *f.Accuracy > 0
}

// AccuracyOr returns the accuracy or the given fallback when unknown.
func (f Fix) AccuracyOr(def float64) float64 {
	if f.Accuracy == nil {
		return def
	}
	return *f.Accuracy
}

// SpeedOr returns the speed or the given fallback when unknown.
func (f Fix) SpeedOr(def float64) float64 {
	if f.Speed == nil {
		return def
	}
	return *f.Speed
}

func (f Fix) String() string {
	acc := "?"
	if f.Accuracy != nil {
		acc = fmt.Sprintf("%.1fm", *f.Accuracy)
	}
	return fmt.Sprintf("Fix{%s %.6f,%.6f acc=%s}", f.Provider, f.Lat, f.Lon, acc)
}

// Float64 returns a pointer to v, for filling optional Fix fields.
func Float64(v float64) *float64 { return &v }

// SessionMode drives the location polling interval. It is owned and mutated
// only by the location session in response to external mode changes.
type SessionMode int

const (
	ModeNotFollowing SessionMode = iota
	ModeFollow
	ModeFollowAndRotate
	ModeNavigatingVehicle
	ModeNavigatingBicycle
	ModeNavigatingPedestrian
	ModeNavigatingTransit
)

func (m SessionMode) String() string {
	switch m {
	case ModeNotFollowing:
		return "not_following"
	case ModeFollow:
		return "follow"
	case ModeFollowAndRotate:
		return "follow_and_rotate"
	case ModeNavigatingVehicle:
		return "navigating_vehicle"
	case ModeNavigatingBicycle:
		return "navigating_bicycle"
	case ModeNavigatingPedestrian:
		return "navigating_pedestrian"
	case ModeNavigatingTransit:
		return "navigating_transit"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// IsNavigating reports whether the mode is one of the turn-following modes.
func (m SessionMode) IsNavigating() bool {
	switch m {
	case ModeNavigatingVehicle, ModeNavigatingBicycle, ModeNavigatingPedestrian, ModeNavigatingTransit:
		return true
	}
	return false
}

// RouterKind selects the routing profile used to build a route.
type RouterKind string

const (
	RouterVehicle    RouterKind = "vehicle"
	RouterPedestrian RouterKind = "pedestrian"
	RouterBicycle    RouterKind = "bicycle"
	RouterTransit    RouterKind = "transit"
)

// NavigatingMode returns the session mode matching this router kind.
func (k RouterKind) NavigatingMode() SessionMode {
	switch k {
	case RouterPedestrian:
		return ModeNavigatingPedestrian
	case RouterBicycle:
		return ModeNavigatingBicycle
	case RouterTransit:
		return ModeNavigatingTransit
	default:
		return ModeNavigatingVehicle
	}
}

// PointSource tells where a routing point came from.
type PointSource string

const (
	PointMyPosition PointSource = "my_position"
	PointUserPick   PointSource = "user_pick"
)

// RoutingPoint is an origin or destination endpoint. Equality is by
// coordinates and source, never by identity.
type RoutingPoint struct {
	Lat    float64     `json:"lat"`
	Lon    float64     `json:"lon"`
	Source PointSource `json:"source"`
}

// Same reports value equality of two optional points.
func (p *RoutingPoint) Same(other *RoutingPoint) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.Lat == other.Lat && p.Lon == other.Lon && p.Source == other.Source
}

// IsMyPosition reports whether the point was derived from the device position.
func (p *RoutingPoint) IsMyPosition() bool {
	return p != nil && p.Source == PointMyPosition
}

// Event is a telemetry event emitted by the sessions.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Reason    string                 `json:"reason,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

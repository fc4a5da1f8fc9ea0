// Package location implements the location acquisition engine: the provider
// abstraction over heterogeneous positioning sources, the fix-quality
// arbiter, and the session that decides which reading to trust.
package location

import "github.com/waypt/navcore/pkg"

// ErrorCode enumerates location error conditions reported downstream.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota
	ErrorNotSupported
	ErrorDenied
	ErrorGPSOff
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorNotSupported:
		return "not_supported"
	case ErrorDenied:
		return "denied"
	case ErrorGPSOff:
		return "gps_off"
	default:
		return "unknown"
	}
}

// Resolution describes a settings change only the user can perform, carried
// opaquely from a provider to the UI collaborator.
type Resolution struct {
	Reason string
}

// Provider wraps one positioning source.
//
// Start and Stop are idempotent. A provider must never invoke its listener
// after Stop has returned; any fix racing a Stop call in flight is discarded
// by the session, not the provider.
type Provider interface {
	// Start begins emitting fixes at approximately the given interval.
	Start(pollIntervalMs int64)
	Stop()
	IsActive() bool

	// TrustsBypassArbitration is true only for the fused/vendor provider,
	// whose fixes may skip the better-than-last test.
	TrustsBypassArbitration() bool

	Name() string
}

// ProviderListener receives the four provider messages. Raw provider
// callbacks may arrive on any goroutine; the session serializes them.
type ProviderListener interface {
	OnFixReceived(p Provider, fix pkg.Fix)
	OnResolutionRequired(p Provider, res Resolution)
	OnDisabled(p Provider)
	OnConnectionFailed(p Provider)
}

// Listener receives accepted fixes from the session.
type Listener interface {
	OnLocationUpdated(fix pkg.Fix)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(fix pkg.Fix)

func (f ListenerFunc) OnLocationUpdated(fix pkg.Fix) { f(fix) }

// Navigator is the downstream map/navigation core boundary. Accepted fixes
// are forwarded here unless first-run suppression is active.
type Navigator interface {
	LocationUpdated(fix pkg.Fix)
	LocationError(code ErrorCode)
	RunFirstLaunchAnimation()
}

// UIDelegate is the permission/settings UI collaborator. All methods are
// fire-and-forget; results come back through the session's On* methods.
type UIDelegate interface {
	RequestPermission()
	LaunchResolution(res Resolution)
	ShowLocationDisabled(offerSettings bool)
	ShowLocationPendingTimeout()
}

// PermissionGate reports the OS-level permission and settings state.
type PermissionGate interface {
	LocationGranted() bool
	ServicesEnabled() bool
}

package location

import (
	"sync"
	"time"

	"github.com/waypt/navcore/pkg"
	"github.com/waypt/navcore/pkg/logx"
)

// Poll intervals per session mode, in milliseconds.
const (
	intervalFollowMs          = 1000
	intervalFollowAndRotateMs = 3000
	intervalNotFollowMs       = 3000
	intervalNavVehicleMs      = 500
	intervalNavBicycleMs      = 1000
	intervalNavPedestrianMs   = 1000
	intervalNavTransitMs      = 1000
)

// Options configures a Session. Navigator and Delegate may be nil; the
// session then only logs the conditions it would have reported.
type Options struct {
	Permissions          PermissionGate
	Navigator            Navigator
	Delegate             UIDelegate
	PendingTimeout       time.Duration // 0 disables the no-fix timeout
	SuppressErrorDialogs bool
	PreferFused          bool
	OnEvent              func(pkg.Event)
}

// Session orchestrates exactly one active provider at a time. It owns the
// last accepted fix, applies the arbiter, manages the one-way fused-to-native
// downgrade, and fans accepted fixes out to registered listeners.
//
// Every mutation funnels through one mutex; listener dispatch iterates a
// snapshot taken at dispatch time, outside the lock, so a listener may
// unregister itself mid-callback and reentrant calls cannot deadlock.
type Session struct {
	mu     sync.Mutex
	logger *logx.Logger
	opts   Options

	native   Provider
	fused    Provider
	provider Provider

	lastFix    *pkg.Fix
	mode       pkg.SessionMode
	intervalMs int64
	listeners  []Listener

	active        bool
	stoppedByUser bool
	inFirstRun    bool
	downgraded    bool

	pendingTimer *time.Timer
	predictor    *Predictor
}

// NewSession creates a location session. Providers are attached afterwards
// with SetProviders, since they need the session as their listener.
func NewSession(logger *logx.Logger, opts Options) *Session {
	return &Session{
		logger: logger,
		opts:   opts,
		mode:   pkg.ModeNotFollowing,
	}
}

// SetProviders attaches the concrete providers. The fused provider may be
// nil; the native one must not be.
func (s *Session) SetProviders(native, fused Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.native = native
	s.fused = fused
	s.selectProviderLocked()
}

// SetPredictor attaches an optional dead-reckoning predictor.
func (s *Session) SetPredictor(p *Predictor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.predictor = p
}

func (s *Session) selectProviderLocked() {
	if s.fused != nil && s.opts.PreferFused {
		s.provider = s.fused
		s.downgraded = false
		return
	}
	s.provider = s.native
}

// IsActive indicates whether a provider is polling updates right now.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Mode returns the current session mode.
func (s *Session) Mode() pkg.SessionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode records a mode change. The polling interval is recomputed on the
// next Start or Restart; an in-progress start is not rescheduled.
func (s *Session) SetMode(mode pkg.SessionMode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == s.mode {
		return
	}
	s.logger.Debug("session mode changed", "from", s.mode.String(), "to", mode.String())
	s.mode = mode
}

// LastFix returns a copy of the last accepted fix, or nil.
func (s *Session) LastFix() *pkg.Fix {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastFix == nil {
		return nil
	}
	fix := *s.lastFix
	return &fix
}

// MyPosition returns the device position as a routing point, or nil when no
// fix has been accepted yet.
func (s *Session) MyPosition() *pkg.RoutingPoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastFix == nil {
		return nil
	}
	return &pkg.RoutingPoint{Lat: s.lastFix.Lat, Lon: s.lastFix.Lon, Source: pkg.PointMyPosition}
}

// ActiveProviderName names the currently selected provider, for diagnostics.
func (s *Session) ActiveProviderName() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.provider == nil {
		return ""
	}
	return s.provider.Name()
}

// AddListener registers a listener. If a fix is already accepted it is
// replayed to the new listener immediately, before any future pushes, so a
// late-attaching consumer does not show nothing until the next update.
func (s *Session) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	last := s.lastFix
	s.mu.Unlock()

	if last != nil {
		l.OnLocationUpdated(*last)
	}
}

// RemoveListener unregisters a listener. Safe to call from inside a
// listener callback.
func (s *Session) RemoveListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Start begins polling location updates. No-op when already active. When the
// user stopped updates manually, it reports the settings error and refuses
// to start until the flag is cleared.
func (s *Session) Start() {
	s.mu.Lock()

	if s.active {
		s.logger.Warn("provider already started", "provider", s.providerNameLocked())
		s.mu.Unlock()
		return
	}

	if s.stoppedByUser {
		s.logger.Debug("location updates are stopped by the user, skipping provider start")
		nav := s.opts.Navigator
		s.mu.Unlock()
		s.emit("location_error", "stopped_by_user", nil)
		if nav != nil {
			nav.LocationError(ErrorGPSOff)
		}
		return
	}

	s.calcIntervalLocked()

	if s.opts.Permissions != nil && !s.opts.Permissions.LocationGranted() {
		s.logger.Warn("location permission is not granted")
		nav, delegate := s.opts.Navigator, s.opts.Delegate
		s.mu.Unlock()
		s.emit("location_error", "permission_denied", nil)
		if nav != nil {
			nav.LocationError(ErrorDenied)
		}
		if delegate != nil {
			delegate.RequestPermission()
		}
		return
	}

	provider := s.provider
	interval := s.intervalMs
	s.active = true
	s.armPendingTimeoutLocked()
	s.mu.Unlock()

	s.logger.Info("starting location updates",
		"provider", provider.Name(), "interval_ms", interval, "mode", s.Mode().String())
	provider.Start(interval)
}

// Stop stops polling location updates. No-op when inactive.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.active {
		s.logger.Warn("provider already stopped", "provider", s.providerNameLocked())
		s.mu.Unlock()
		return
	}
	provider := s.provider
	s.active = false
	s.disarmPendingTimeoutLocked()
	s.mu.Unlock()

	s.logger.Info("stopping location updates", "provider", provider.Name())
	provider.Stop()
}

// Restart stops the current provider, re-selects the preferred one (location
// settings could have changed and the fused provider is preferable when it
// works), and starts again.
func (s *Session) Restart() {
	s.logger.Debug("restart")
	s.Stop()

	s.mu.Lock()
	s.selectProviderLocked()
	s.mu.Unlock()

	s.Start()
}

// SetStoppedByUser records the manual stop choice made by the user.
func (s *Session) SetStoppedByUser(stopped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Debug("stop location updates by user", "stopped", stopped)
	s.stoppedByUser = stopped
}

// StopByUser handles the "stop searching" choice from the pending-timeout
// dialog: remember the choice, report the error, and stop.
func (s *Session) StopByUser() {
	s.mu.Lock()
	s.stoppedByUser = true
	nav := s.opts.Navigator
	s.mu.Unlock()

	if nav != nil {
		nav.LocationError(ErrorGPSOff)
	}
	s.Stop()
}

// KeepWaiting handles the "continue searching" choice from the
// pending-timeout dialog. The provider keeps running; only the timer is
// re-armed.
func (s *Session) KeepWaiting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armPendingTimeoutLocked()
}

// EnterFirstRun enables first-run suppression: fixes are recorded but not
// forwarded downstream, preserving the deferred first zoom animation.
func (s *Session) EnterFirstRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("entered first run")
	s.inFirstRun = true
}

// ExitFirstRun ends first-run suppression. A recorded fix is replayed
// downstream once; with no fix, the session restarts so any error dialog
// can finally be shown.
func (s *Session) ExitFirstRun() {
	s.mu.Lock()
	s.logger.Info("exited first run")
	s.inFirstRun = false
	last := s.lastFix
	listeners := s.snapshotListenersLocked()
	nav := s.opts.Navigator
	s.mu.Unlock()

	if last != nil {
		for _, l := range listeners {
			l.OnLocationUpdated(*last)
		}
		if nav != nil {
			nav.LocationUpdated(*last)
			nav.RunFirstLaunchAnimation()
		}
		return
	}

	s.Restart()
}

// OnFixReceived runs the arbiter on a raw provider fix. Fixes from a
// provider other than the active one (a straggler racing Stop, or the old
// provider after a downgrade) are discarded here.
func (s *Session) OnFixReceived(p Provider, fix pkg.Fix) {
	s.mu.Lock()

	if !s.active || p != s.provider {
		s.mu.Unlock()
		s.logger.Debug("discarding fix from inactive provider", "provider", p.Name())
		return
	}

	trust := p.TrustsBypassArbitration() && fix.Provider == pkg.ProviderFused
	if !Accept(fix, s.lastFix, trust) {
		s.mu.Unlock()
		s.logger.Debug("fix rejected by arbiter", "fix", fix.String())
		s.emit("fix_rejected", string(fix.Provider), nil)
		return
	}

	s.deliverLocked(fix)
}

// InjectPredicted feeds a dead-reckoned fix through the same acceptance
// path. Predicted fixes never bypass arbitration.
func (s *Session) InjectPredicted(fix pkg.Fix) {
	s.mu.Lock()

	if !s.active || s.lastFix == nil {
		s.mu.Unlock()
		return
	}
	if !Accept(fix, s.lastFix, false) {
		s.mu.Unlock()
		return
	}

	s.deliverLocked(fix)
}

// deliverLocked records an accepted fix and dispatches it. Takes the lock
// held and releases it; dispatch happens on a snapshot outside the lock, and
// since every fix source is a single goroutine, one dispatch completes fully
// before the next candidate is processed.
func (s *Session) deliverLocked(fix pkg.Fix) {
	s.lastFix = &fix
	s.armPendingTimeoutLocked()
	if s.predictor != nil {
		s.predictor.Observe(fix)
	}

	listeners := s.snapshotListenersLocked()
	suppressed := s.inFirstRun
	nav := s.opts.Navigator
	s.mu.Unlock()

	s.emit("fix_accepted", string(fix.Provider), map[string]interface{}{
		"lat": fix.Lat, "lon": fix.Lon, "accuracy": fix.AccuracyOr(0),
	})

	for _, l := range listeners {
		l.OnLocationUpdated(fix)
	}

	if suppressed {
		s.logger.Debug("first run is active, not forwarding the fix downstream")
		return
	}
	if nav != nil {
		nav.LocationUpdated(fix)
	}
}

// OnConnectionFailed applies the downgrade policy: when the fused provider
// cannot reach its vendor service, permanently switch to the plain native
// provider. One-way; a second failure is a no-op.
func (s *Session) OnConnectionFailed(p Provider) {
	s.mu.Lock()

	if p != s.provider || p == s.native {
		s.mu.Unlock()
		s.logger.Debug("ignoring connection failure from inactive or native provider", "provider", p.Name())
		return
	}

	s.downgradeLocked()
}

// OnDisabled handles a provider reporting no usable source. If location
// settings are still nominally on and the active provider is not the native
// one, downgrade first; otherwise clear the fix and report the fatal
// condition.
func (s *Session) OnDisabled(p Provider) {
	s.mu.Lock()

	if p != s.provider {
		s.mu.Unlock()
		return
	}

	servicesOn := s.opts.Permissions == nil || s.opts.Permissions.ServicesEnabled()
	if servicesOn && p != s.native {
		s.downgradeLocked()
		return
	}

	wasActive := s.active
	provider := s.provider
	s.active = false
	s.disarmPendingTimeoutLocked()
	s.lastFix = nil
	nav, delegate := s.opts.Navigator, s.opts.Delegate
	suppressed := s.opts.SuppressErrorDialogs
	s.mu.Unlock()

	if wasActive {
		provider.Stop()
	}

	s.logger.Warn("location disabled", "provider", provider.Name(), "services_on", servicesOn)
	s.emit("location_disabled", provider.Name(), nil)
	if nav != nil {
		nav.LocationError(ErrorGPSOff)
	}
	if delegate != nil && !suppressed {
		delegate.ShowLocationDisabled(true)
	}
}

// OnResolutionRequired forwards a settings-resolution request to the UI
// collaborator; without one the session stops and reports the error.
func (s *Session) OnResolutionRequired(p Provider, res Resolution) {
	s.mu.Lock()

	if !s.active || p != s.provider {
		s.mu.Unlock()
		return
	}
	delegate := s.opts.Delegate
	nav := s.opts.Navigator
	s.mu.Unlock()

	if delegate == nil {
		s.logger.Debug("cannot resolve location settings without a UI delegate")
		s.Stop()
		if nav != nil {
			nav.LocationError(ErrorGPSOff)
		}
		return
	}
	delegate.LaunchResolution(res)
}

// OnResolutionResult receives the outcome of the settings-resolution flow.
func (s *Session) OnResolutionResult(ok bool) {
	if !ok {
		s.logger.Warn("resolution has not been granted")
		s.Stop()
		s.mu.Lock()
		nav := s.opts.Navigator
		s.mu.Unlock()
		if nav != nil {
			nav.LocationError(ErrorGPSOff)
		}
		return
	}

	s.logger.Info("resolution has been granted")
	s.Restart()
}

// OnPermissionResult receives the outcome of the runtime permission flow.
func (s *Session) OnPermissionResult(granted bool) {
	if granted {
		s.logger.Info("location permission granted")
		if !s.IsActive() {
			s.Start()
		}
		return
	}

	s.logger.Warn("location permission denied")
	s.Stop()

	s.mu.Lock()
	nav, delegate := s.opts.Navigator, s.opts.Delegate
	suppressed := s.opts.SuppressErrorDialogs
	s.mu.Unlock()

	s.emit("location_error", "permission_denied", nil)
	if nav != nil {
		nav.LocationError(ErrorDenied)
	}
	if delegate != nil && !suppressed {
		delegate.ShowLocationDisabled(false)
	}
}

// downgradeLocked swaps the active provider for the plain native one and
// starts it when the session was running. Takes the lock held and releases
// it. The native provider never auto-upgrades back to fused; only an
// explicit Restart re-selects.
func (s *Session) downgradeLocked() {
	old := s.provider
	wasActive := s.active
	s.downgraded = true
	s.provider = s.native
	interval := s.intervalMs
	s.mu.Unlock()

	s.logger.Warn("downgrading to the native provider", "from", old.Name())
	s.emit("provider_downgraded", old.Name(), nil)

	old.Stop()
	if wasActive {
		s.native.Start(interval)
	}
}

// IsDowngraded reports whether the one-way downgrade has happened.
func (s *Session) IsDowngraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downgraded
}

func (s *Session) calcIntervalLocked() {
	switch s.mode {
	case pkg.ModeNavigatingVehicle:
		s.intervalMs = intervalNavVehicleMs
	case pkg.ModeNavigatingBicycle:
		s.intervalMs = intervalNavBicycleMs
	case pkg.ModeNavigatingPedestrian:
		s.intervalMs = intervalNavPedestrianMs
	case pkg.ModeNavigatingTransit:
		s.intervalMs = intervalNavTransitMs
	case pkg.ModeFollow:
		s.intervalMs = intervalFollowMs
	case pkg.ModeFollowAndRotate:
		s.intervalMs = intervalFollowAndRotateMs
	default:
		s.intervalMs = intervalNotFollowMs
	}
}

// armPendingTimeoutLocked (re)schedules the no-fix timeout. The previous
// timer is always cancelled first so it cannot fire twice.
func (s *Session) armPendingTimeoutLocked() {
	s.disarmPendingTimeoutLocked()
	if s.opts.PendingTimeout <= 0 {
		return
	}
	s.pendingTimer = time.AfterFunc(s.opts.PendingTimeout, s.onPendingTimeout)
}

func (s *Session) disarmPendingTimeoutLocked() {
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
		s.pendingTimer = nil
	}
}

// onPendingTimeout fires when no fix arrived for the configured duration
// while active. The provider keeps running until the user explicitly stops.
func (s *Session) onPendingTimeout() {
	s.mu.Lock()

	if !s.active {
		s.mu.Unlock()
		return
	}

	granted := s.opts.Permissions == nil ||
		(s.opts.Permissions.LocationGranted() && s.opts.Permissions.ServicesEnabled())
	delegate := s.opts.Delegate
	suppressed := s.opts.SuppressErrorDialogs
	s.mu.Unlock()

	if !granted {
		return
	}

	s.logger.Warn("no location fix within the pending timeout")
	s.emit("location_pending_timeout", "", nil)
	if delegate != nil && !suppressed {
		delegate.ShowLocationPendingTimeout()
	}
}

func (s *Session) snapshotListenersLocked() []Listener {
	out := make([]Listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func (s *Session) providerNameLocked() string {
	if s.provider == nil {
		return ""
	}
	return s.provider.Name()
}

func (s *Session) emit(eventType, reason string, data map[string]interface{}) {
	if s.opts.OnEvent == nil {
		return
	}
	s.opts.OnEvent(pkg.Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Reason:    reason,
		Data:      data,
	})
}

package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/waypt/navcore/pkg"
	"github.com/waypt/navcore/pkg/location"
	"github.com/waypt/navcore/pkg/logx"
)

// Phase is the top-level session state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePlanning
	PhaseNavigating
)

func (p Phase) String() string {
	switch p {
	case PhasePlanning:
		return "planning"
	case PhaseNavigating:
		return "navigating"
	default:
		return "idle"
	}
}

// BuildState tracks the asynchronous route computation within planning.
type BuildState int

const (
	BuildNone BuildState = iota
	BuildInProgress
	BuildBuilt
	BuildFailed
)

func (b BuildState) String() string {
	switch b {
	case BuildInProgress:
		return "building"
	case BuildBuilt:
		return "built"
	case BuildFailed:
		return "failed"
	default:
		return "no_route"
	}
}

var (
	// ErrNoPosition means there is no accepted fix to seed the route origin.
	ErrNoPosition = errors.New("no position fix available to seed the route origin")

	// ErrDisclaimerNotAccepted gates all route planning behind the one-time
	// disclaimer.
	ErrDisclaimerNotAccepted = errors.New("routing disclaimer has not been accepted")

	// ErrRouteNotReady means Start was called before a route was built.
	ErrRouteNotReady = errors.New("no built route to start navigation on")

	// ErrRebuildPending means Start deferred to the rebuild-from-current-
	// position suggestion; call Start again to proceed with the picked origin.
	ErrRebuildPending = errors.New("rebuild from the current position was suggested")
)

// Locator is the slice of the location session the routing session needs:
// one position snapshot when an origin is seeded, the listener channel for
// destination-reached monitoring, and the mode switch when navigation
// starts. The coupling stays one-directional.
type Locator interface {
	MyPosition() *pkg.RoutingPoint
	AddListener(l location.Listener)
	RemoveListener(l location.Listener)
	SetMode(mode pkg.SessionMode)
}

// Prefs persists the user choices that survive restarts.
type Prefs interface {
	RouterKind() pkg.RouterKind
	SetRouterKind(kind pkg.RouterKind) error
	DisclaimerAccepted() bool
	AcceptDisclaimer() error
}

// Delegate is the UI presentation collaborator. All methods are invoked
// outside the session lock and may reenter the session.
type Delegate interface {
	OnStateChanged(phase Phase, build BuildState)
	OnBuildProgress(percent int)
	OnBuildFailed(code ResultCode, missingMaps []string, downloadable bool)
	OnRouteCompleted()
	SuggestRebuild()
	ShowDisclaimer()
}

// SessionOptions configures a routing session. Delegate may be nil.
type SessionOptions struct {
	Delegate Delegate
	OnEvent  func(pkg.Event)
}

// Session is the routing state machine. It owns the origin and destination
// points, drives asynchronous builds against the engine, and follows the
// route to completion. A build generation counter, bumped on every reset and
// rebuild, invalidates callbacks from superseded builds: a stale result or
// progress tick arriving after a bump is dropped without touching state.
type Session struct {
	mu      sync.Mutex
	logger  *logx.Logger
	engine  Engine
	locator Locator
	prefs   Prefs
	opts    SessionOptions

	phase       Phase
	build       BuildState
	origin      *pkg.RoutingPoint
	destination *pkg.RoutingPoint
	route       *Route
	lastCode    ResultCode
	missingMaps []string
	progress    int
	routerKind  pkg.RouterKind

	generation       uint64
	buildCancel      context.CancelFunc
	listening        bool
	rebuildSuggested bool
}

// NewSession creates an idle routing session. The router kind is restored
// from the persisted preferences.
func NewSession(logger *logx.Logger, engine Engine, locator Locator, prefs Prefs, opts SessionOptions) *Session {
	s := &Session{
		logger:     logger,
		engine:     engine,
		locator:    locator,
		prefs:      prefs,
		opts:       opts,
		routerKind: pkg.RouterVehicle,
	}
	if prefs != nil {
		s.routerKind = prefs.RouterKind()
	}
	return s
}

// Phase returns the current top-level state.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// BuildState returns the current build sub-state.
func (s *Session) BuildState() BuildState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.build
}

// Origin returns a copy of the current origin point, or nil.
func (s *Session) Origin() *pkg.RoutingPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPoint(s.origin)
}

// Destination returns a copy of the current destination point, or nil.
func (s *Session) Destination() *pkg.RoutingPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPoint(s.destination)
}

// Route returns the built route, or nil.
func (s *Session) Route() *Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}

// Progress returns the last build progress percentage.
func (s *Session) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// LastResultCode returns the code of the most recent finished build.
func (s *Session) LastResultCode() ResultCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCode
}

// Generation returns the current build generation.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// RouterKind returns the active router kind.
func (s *Session) RouterKind() pkg.RouterKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routerKind
}

// SetRouterKind switches the routing profile and persists the choice. A
// planning session with both endpoints set rebuilds under the new kind.
func (s *Session) SetRouterKind(kind pkg.RouterKind) {
	s.mu.Lock()

	if kind == s.routerKind {
		s.mu.Unlock()
		return
	}
	s.routerKind = kind
	if s.prefs != nil {
		if err := s.prefs.SetRouterKind(kind); err != nil {
			s.logger.Warn("failed to persist router kind", "error", err)
		}
	}
	s.logger.Info("router kind changed", "kind", string(kind))

	if s.phase == PhasePlanning && s.origin != nil && s.destination != nil {
		s.buildLocked()
	}
	state := s.stateLocked()
	s.mu.Unlock()

	s.notifyState(state)
}

// AcceptDisclaimer records the disclaimer acceptance.
func (s *Session) AcceptDisclaimer() {
	if s.prefs == nil {
		return
	}
	if err := s.prefs.AcceptDisclaimer(); err != nil {
		s.logger.Warn("failed to persist disclaimer acceptance", "error", err)
	}
}

// Prepare opens a planning session. An existing session is reset first. The
// origin always seeds from the current position; without a fix the call
// aborts with ErrNoPosition and the state is untouched. With a destination
// supplied, a build starts immediately; without one the session waits in
// planning for the user to pick one.
func (s *Session) Prepare(destination *pkg.RoutingPoint) error {
	if s.prefs != nil && !s.prefs.DisclaimerAccepted() {
		if s.opts.Delegate != nil {
			s.opts.Delegate.ShowDisclaimer()
		}
		return ErrDisclaimerNotAccepted
	}

	pos := s.locator.MyPosition()
	if pos == nil {
		s.logger.Warn("cannot prepare routing without a position")
		s.emit("route_prepare_failed", "no_position", nil)
		return ErrNoPosition
	}

	s.mu.Lock()
	s.resetLocked()
	s.origin = pos
	s.destination = copyPoint(destination)
	s.phase = PhasePlanning
	if s.destination != nil {
		s.buildLocked()
	}
	state := s.stateLocked()
	s.mu.Unlock()

	s.logger.Info("routing session prepared",
		"kind", string(s.RouterKind()), "has_destination", destination != nil)
	s.emit("route_prepared", "", nil)
	s.notifyState(state)
	return nil
}

// SetOrigin assigns the origin point and rebuilds when both endpoints are
// defined. Returns whether the state changed.
//
// Assigning the current origin again is a no-op. Assigning a point equal to
// the current destination swaps the endpoints, but only when an origin
// already exists; with no origin to move into the destination slot the call
// is rejected.
func (s *Session) SetOrigin(p pkg.RoutingPoint) bool {
	s.mu.Lock()

	if s.phase == PhaseNavigating {
		s.mu.Unlock()
		s.logger.Warn("ignoring origin change while navigating")
		return false
	}

	if s.origin.Same(&p) {
		s.mu.Unlock()
		return false
	}

	if s.destination.Same(&p) {
		if s.origin == nil {
			s.mu.Unlock()
			return false
		}
		s.destination = s.origin
		s.origin = &p
	} else {
		s.origin = &p
	}

	s.afterPointChangeLocked()
	state := s.stateLocked()
	s.mu.Unlock()

	s.notifyState(state)
	return true
}

// SetDestination assigns the destination point, seeding the origin from the
// current position when none is set, and rebuilds when both endpoints are
// defined. Returns whether the state changed.
//
// Assigning the current destination again is a no-op unless the origin is
// unset, which seeds it instead. Assigning a point equal to the current
// origin swaps the endpoints; with no prior destination the point lands in
// the destination slot and the origin reseeds from the current position.
func (s *Session) SetDestination(p pkg.RoutingPoint) bool {
	s.mu.Lock()

	if s.phase == PhaseNavigating {
		s.mu.Unlock()
		s.logger.Warn("ignoring destination change while navigating")
		return false
	}

	switch {
	case s.destination.Same(&p):
		if s.origin != nil {
			s.mu.Unlock()
			return false
		}
		s.origin = s.locator.MyPosition()

	case s.origin.Same(&p):
		if s.destination != nil {
			s.origin = s.destination
			s.destination = &p
		} else {
			s.destination = &p
			s.origin = s.locator.MyPosition()
		}

	default:
		s.destination = &p
		if s.origin == nil {
			s.origin = s.locator.MyPosition()
		}
	}

	s.afterPointChangeLocked()
	state := s.stateLocked()
	s.mu.Unlock()

	s.notifyState(state)
	return true
}

// SwapPoints unconditionally exchanges origin and destination and rebuilds
// when both are set.
func (s *Session) SwapPoints() {
	s.mu.Lock()

	if s.phase == PhaseNavigating {
		s.mu.Unlock()
		s.logger.Warn("ignoring point swap while navigating")
		return
	}

	s.origin, s.destination = s.destination, s.origin
	s.afterPointChangeLocked()
	state := s.stateLocked()
	s.mu.Unlock()

	s.notifyState(state)
}

// afterPointChangeLocked enforces the build invariant after any endpoint
// mutation: both endpoints set triggers a build, anything else drops back
// to no-route.
func (s *Session) afterPointChangeLocked() {
	if s.phase == PhaseIdle {
		s.phase = PhasePlanning
	}
	if s.origin != nil && s.destination != nil {
		s.buildLocked()
		return
	}
	s.build = BuildNone
	s.route = nil
	s.progress = 0
}

// buildLocked starts a new asynchronous build under a fresh generation,
// cancelling the previous one.
func (s *Session) buildLocked() {
	s.generation++
	gen := s.generation
	s.build = BuildInProgress
	s.route = nil
	s.progress = 0
	s.rebuildSuggested = false

	if s.buildCancel != nil {
		s.buildCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.buildCancel = cancel

	kind := s.routerKind
	start := *s.origin
	end := *s.destination

	s.logger.Info("route build started",
		"generation", gen, "kind", string(kind))
	s.emit("route_build_started", string(kind), nil)

	go func() {
		result := s.engine.BuildRoute(ctx, kind, start, end, func(percent int) {
			s.onBuildProgress(gen, percent)
		})
		s.onBuildResult(gen, result)
	}()
}

// onBuildResult applies a finished build. Results from a superseded
// generation are dropped.
func (s *Session) onBuildResult(gen uint64, result BuildResult) {
	s.mu.Lock()

	if gen != s.generation || s.phase != PhasePlanning {
		s.mu.Unlock()
		s.logger.Debug("dropping stale build result", "generation", gen)
		return
	}

	s.lastCode = result.Code
	s.missingMaps = result.MissingMaps

	if result.Code.IsSuccess() {
		s.build = BuildBuilt
		s.route = result.Route
		s.progress = 100
	} else {
		s.build = BuildFailed
		s.route = nil
		s.progress = 0
	}
	state := s.stateLocked()
	delegate := s.opts.Delegate
	s.mu.Unlock()

	s.logger.Info("route build finished", "generation", gen, "code", result.Code.String())
	s.emit("route_build_finished", result.Code.String(), nil)

	s.notifyState(state)
	if !result.Code.IsSuccess() && delegate != nil {
		delegate.OnBuildFailed(result.Code, result.MissingMaps, result.Code.IsDownloadable(result.MissingMaps))
	}
}

// onBuildProgress applies a progress tick. Ticks outside an in-progress
// build of the current generation are ignored; a late tick must not
// resurrect stale state.
func (s *Session) onBuildProgress(gen uint64, percent int) {
	s.mu.Lock()

	if gen != s.generation || s.build != BuildInProgress {
		s.mu.Unlock()
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	s.progress = percent
	delegate := s.opts.Delegate
	s.mu.Unlock()

	if delegate != nil {
		delegate.OnBuildProgress(percent)
	}
}

// Start begins turn-following on a built route. When the origin is a
// user-picked point and a current position exists, the delegate is offered
// one rebuild-from-here suggestion first; calling Start again proceeds with
// the picked origin.
func (s *Session) Start() error {
	s.mu.Lock()

	if s.phase != PhasePlanning || s.build != BuildBuilt {
		s.mu.Unlock()
		return ErrRouteNotReady
	}

	if !s.origin.IsMyPosition() && !s.rebuildSuggested && s.locator.MyPosition() != nil {
		s.rebuildSuggested = true
		delegate := s.opts.Delegate
		s.mu.Unlock()
		if delegate != nil {
			delegate.SuggestRebuild()
		}
		return ErrRebuildPending
	}

	s.phase = PhaseNavigating
	kind := s.routerKind
	s.listening = true
	state := s.stateLocked()
	s.mu.Unlock()

	s.engine.FollowRoute()
	s.locator.SetMode(kind.NavigatingMode())
	s.locator.AddListener(s)

	s.logger.Info("navigation started", "kind", string(kind))
	s.emit("navigation_started", string(kind), nil)
	s.notifyState(state)
	return nil
}

// RebuildFromMyPosition reseeds the origin from the current position and
// rebuilds, answering the rebuild suggestion.
func (s *Session) RebuildFromMyPosition() error {
	pos := s.locator.MyPosition()
	if pos == nil {
		return ErrNoPosition
	}

	s.mu.Lock()
	if s.phase != PhasePlanning || s.destination == nil {
		s.mu.Unlock()
		return ErrRouteNotReady
	}
	s.origin = pos
	s.buildLocked()
	state := s.stateLocked()
	s.mu.Unlock()

	s.notifyState(state)
	return nil
}

// Cancel resets the session to idle from any state. Endpoints and the route
// are cleared, in-flight build callbacks are invalidated, and the engine's
// routing context closes.
func (s *Session) Cancel() {
	s.mu.Lock()

	if s.phase == PhaseIdle {
		s.mu.Unlock()
		return
	}
	s.resetLocked()
	state := s.stateLocked()
	s.mu.Unlock()

	s.logger.Info("routing session cancelled")
	s.emit("route_cancelled", "", nil)
	s.notifyState(state)
}

// resetLocked clears all session state and invalidates in-flight callbacks.
func (s *Session) resetLocked() {
	s.generation++
	if s.buildCancel != nil {
		s.buildCancel()
		s.buildCancel = nil
	}
	s.phase = PhaseIdle
	s.build = BuildNone
	s.origin = nil
	s.destination = nil
	s.route = nil
	s.progress = 0
	s.missingMaps = nil
	s.rebuildSuggested = false

	if s.listening {
		s.listening = false
		s.locator.RemoveListener(s)
	}
	s.engine.CloseRouting()
}

// OnLocationUpdated receives accepted fixes while navigating and checks for
// arrival. Implements the location listener interface.
func (s *Session) OnLocationUpdated(fix pkg.Fix) {
	s.mu.Lock()
	navigating := s.phase == PhaseNavigating
	delegate := s.opts.Delegate
	s.mu.Unlock()

	if !navigating {
		return
	}
	if !s.engine.IsRouteFinished(fix) {
		return
	}

	s.logger.Info("destination reached")
	s.emit("route_completed", "", nil)
	if delegate != nil {
		delegate.OnRouteCompleted()
	}
	s.Cancel()
}

type sessionState struct {
	phase Phase
	build BuildState
}

func (s *Session) stateLocked() sessionState {
	return sessionState{phase: s.phase, build: s.build}
}

func (s *Session) notifyState(state sessionState) {
	if s.opts.Delegate == nil {
		return
	}
	s.opts.Delegate.OnStateChanged(state.phase, state.build)
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

func copyPoint(p *pkg.RoutingPoint) *pkg.RoutingPoint {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

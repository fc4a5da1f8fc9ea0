package location

import (
	"sync"
	"testing"
	"time"

	"github.com/waypt/navcore/pkg"
	"github.com/waypt/navcore/pkg/logx"
)

type fakeProvider struct {
	mu       sync.Mutex
	name     string
	trust    bool
	listener ProviderListener

	active     bool
	startCount int
	stopCount  int
	interval   int64
}

func (f *fakeProvider) Start(pollIntervalMs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = true
	f.startCount++
	f.interval = pollIntervalMs
}

func (f *fakeProvider) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.stopCount++
}

func (f *fakeProvider) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeProvider) TrustsBypassArbitration() bool { return f.trust }
func (f *fakeProvider) Name() string                  { return f.name }

func (f *fakeProvider) emit(fix pkg.Fix) {
	f.listener.OnFixReceived(f, fix)
}

func (f *fakeProvider) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCount
}

func (f *fakeProvider) lastInterval() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interval
}

type fakeNavigator struct {
	mu         sync.Mutex
	fixes      []pkg.Fix
	errors     []ErrorCode
	animations int
}

func (f *fakeNavigator) LocationUpdated(fix pkg.Fix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixes = append(f.fixes, fix)
}

func (f *fakeNavigator) LocationError(code ErrorCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, code)
}

func (f *fakeNavigator) RunFirstLaunchAnimation() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.animations++
}

func (f *fakeNavigator) fixCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fixes)
}

func (f *fakeNavigator) lastError() (ErrorCode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errors) == 0 {
		return ErrorUnknown, false
	}
	return f.errors[len(f.errors)-1], true
}

type fakeDelegate struct {
	mu              sync.Mutex
	permissionAsks  int
	resolutions     []Resolution
	disabledDialogs []bool
	pendingDialogs  int
}

func (f *fakeDelegate) RequestPermission() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissionAsks++
}

func (f *fakeDelegate) LaunchResolution(res Resolution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolutions = append(f.resolutions, res)
}

func (f *fakeDelegate) ShowLocationDisabled(offerSettings bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabledDialogs = append(f.disabledDialogs, offerSettings)
}

func (f *fakeDelegate) ShowLocationPendingTimeout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingDialogs++
}

type fakePerms struct {
	granted  bool
	services bool
}

func (f *fakePerms) LocationGranted() bool { return f.granted }
func (f *fakePerms) ServicesEnabled() bool { return f.services }

type recordingListener struct {
	mu    sync.Mutex
	fixes []pkg.Fix
}

func (r *recordingListener) OnLocationUpdated(fix pkg.Fix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fixes = append(r.fixes, fix)
}

func (r *recordingListener) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fixes)
}

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "test")
}

func newTestSession(t *testing.T, opts Options) (*Session, *fakeProvider, *fakeProvider) {
	t.Helper()
	sess := NewSession(testLogger(), opts)
	native := &fakeProvider{name: "native"}
	fused := &fakeProvider{name: "fused", trust: true}
	native.listener = sess
	fused.listener = sess
	sess.SetProviders(native, fused)
	return sess, native, fused
}

func validFix(accuracy float64) pkg.Fix {
	return pkg.Fix{
		Time:     time.Now(),
		Lat:      60.1699,
		Lon:      24.9384,
		Accuracy: pkg.Float64(accuracy),
		Provider: pkg.ProviderNativeGps,
	}
}

func TestSessionStartStop(t *testing.T) {
	sess, native, _ := newTestSession(t, Options{})

	sess.Start()
	if !sess.IsActive() {
		t.Fatal("session must be active after Start")
	}
	if native.starts() != 1 {
		t.Fatalf("native starts = %d, want 1", native.starts())
	}
	if got := native.lastInterval(); got != intervalNotFollowMs {
		t.Errorf("default mode interval = %d, want %d", got, intervalNotFollowMs)
	}

	// Starting twice must not restart the provider.
	sess.Start()
	if native.starts() != 1 {
		t.Errorf("double start restarted the provider, starts = %d", native.starts())
	}

	sess.Stop()
	if sess.IsActive() {
		t.Error("session must be inactive after Stop")
	}
	if native.IsActive() {
		t.Error("provider must be stopped after Stop")
	}
}

func TestSessionIntervalByMode(t *testing.T) {
	tests := []struct {
		mode pkg.SessionMode
		want int64
	}{
		{pkg.ModeNotFollowing, intervalNotFollowMs},
		{pkg.ModeFollow, intervalFollowMs},
		{pkg.ModeFollowAndRotate, intervalFollowAndRotateMs},
		{pkg.ModeNavigatingVehicle, intervalNavVehicleMs},
		{pkg.ModeNavigatingPedestrian, intervalNavPedestrianMs},
		{pkg.ModeNavigatingBicycle, intervalNavBicycleMs},
		{pkg.ModeNavigatingTransit, intervalNavTransitMs},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			sess, native, _ := newTestSession(t, Options{})
			sess.SetMode(tt.mode)
			sess.Start()
			if got := native.lastInterval(); got != tt.want {
				t.Errorf("interval for %s = %d, want %d", tt.mode.String(), got, tt.want)
			}
			sess.Stop()
		})
	}
}

func TestSessionFixDispatchAndReplay(t *testing.T) {
	nav := &fakeNavigator{}
	sess, native, _ := newTestSession(t, Options{Navigator: nav})

	early := &recordingListener{}
	sess.AddListener(early)

	sess.Start()
	native.emit(validFix(10))

	if early.count() != 1 {
		t.Fatalf("listener fixes = %d, want 1", early.count())
	}
	if nav.fixCount() != 1 {
		t.Fatalf("navigator fixes = %d, want 1", nav.fixCount())
	}

	// A listener attaching after the fact gets the last fix replayed.
	late := &recordingListener{}
	sess.AddListener(late)
	if late.count() != 1 {
		t.Errorf("late listener fixes = %d, want 1 replayed", late.count())
	}

	if sess.LastFix() == nil {
		t.Error("LastFix must return the accepted fix")
	}
	pos := sess.MyPosition()
	if pos == nil || !pos.IsMyPosition() {
		t.Error("MyPosition must return a my-position point")
	}
}

func TestSessionDiscardsStragglers(t *testing.T) {
	sess, native, _ := newTestSession(t, Options{})

	// Not started yet: everything is discarded.
	native.emit(validFix(10))
	if sess.LastFix() != nil {
		t.Fatal("fix before Start must be discarded")
	}

	sess.Start()

	// A fix from a provider that is not the active one is discarded too.
	stranger := &fakeProvider{name: "stranger", listener: sess}
	stranger.emit(validFix(5))
	if sess.LastFix() != nil {
		t.Error("fix from a non-active provider must be discarded")
	}
}

func TestSessionArbiterRejection(t *testing.T) {
	sess, native, _ := newTestSession(t, Options{})
	sess.Start()

	good := validFix(5)
	native.emit(good)

	worse := validFix(5000)
	worse.Time = good.Time
	native.emit(worse)

	last := sess.LastFix()
	if last == nil || last.AccuracyOr(0) != 5 {
		t.Errorf("imprecise fix must not replace a fresh precise one, got %v", last)
	}
}

func TestSessionPreferFusedAndDowngrade(t *testing.T) {
	sess, native, fused := newTestSession(t, Options{PreferFused: true, Permissions: &fakePerms{granted: true, services: true}})

	sess.Start()
	if fused.starts() != 1 || native.starts() != 0 {
		t.Fatalf("fused must start first, fused=%d native=%d", fused.starts(), native.starts())
	}

	sess.OnConnectionFailed(fused)
	if !sess.IsDowngraded() {
		t.Fatal("connection failure must downgrade the session")
	}
	if fused.IsActive() {
		t.Error("fused provider must be stopped after downgrade")
	}
	if native.starts() != 1 {
		t.Fatalf("native must take over, starts = %d", native.starts())
	}

	// Idempotent: a second failure from the no-longer-active provider.
	sess.OnConnectionFailed(fused)
	if native.starts() != 1 {
		t.Error("repeated failure must be a no-op")
	}

	// Fixes from the downgraded provider are stragglers now.
	fused.emit(validFix(3))
	if sess.LastFix() != nil {
		t.Error("fix from the downgraded provider must be discarded")
	}

	// Only an explicit restart re-selects the preferred provider.
	sess.Restart()
	if sess.IsDowngraded() {
		t.Error("restart must clear the downgrade")
	}
	if fused.starts() != 2 {
		t.Errorf("restart must re-select fused, starts = %d", fused.starts())
	}
}

func TestSessionNativeConnectionFailureIgnored(t *testing.T) {
	sess, native, _ := newTestSession(t, Options{})
	sess.Start()

	sess.OnConnectionFailed(native)
	if sess.IsDowngraded() {
		t.Error("native provider cannot be downgraded from")
	}
	if !sess.IsActive() {
		t.Error("session must keep running")
	}
}

func TestSessionStoppedByUser(t *testing.T) {
	nav := &fakeNavigator{}
	sess, native, _ := newTestSession(t, Options{Navigator: nav})

	sess.SetStoppedByUser(true)
	sess.Start()

	if sess.IsActive() {
		t.Fatal("session must not start while stopped by the user")
	}
	if native.starts() != 0 {
		t.Error("provider must not be started")
	}
	if code, ok := nav.lastError(); !ok || code != ErrorGPSOff {
		t.Errorf("navigator error = %v, want gps_off", code)
	}

	sess.SetStoppedByUser(false)
	sess.Start()
	if !sess.IsActive() {
		t.Error("session must start once the user flag is cleared")
	}
}

func TestSessionPermissionDenied(t *testing.T) {
	nav := &fakeNavigator{}
	delegate := &fakeDelegate{}
	sess, native, _ := newTestSession(t, Options{
		Navigator:   nav,
		Delegate:    delegate,
		Permissions: &fakePerms{granted: false, services: true},
	})

	sess.Start()
	if sess.IsActive() || native.starts() != 0 {
		t.Fatal("session must not start without the permission")
	}
	if code, ok := nav.lastError(); !ok || code != ErrorDenied {
		t.Errorf("navigator error = %v, want denied", code)
	}
	delegate.mu.Lock()
	asks := delegate.permissionAsks
	delegate.mu.Unlock()
	if asks != 1 {
		t.Errorf("permission asks = %d, want 1", asks)
	}
}

func TestSessionPermissionResult(t *testing.T) {
	perms := &fakePerms{granted: false, services: true}
	sess, native, _ := newTestSession(t, Options{Permissions: perms})

	sess.Start()
	if sess.IsActive() {
		t.Fatal("precondition: denied start")
	}

	perms.granted = true
	sess.OnPermissionResult(true)
	if !sess.IsActive() || native.starts() != 1 {
		t.Error("granting the permission must start the session")
	}
}

func TestSessionOnDisabledNative(t *testing.T) {
	nav := &fakeNavigator{}
	delegate := &fakeDelegate{}
	sess, native, _ := newTestSession(t, Options{
		Navigator:   nav,
		Delegate:    delegate,
		Permissions: &fakePerms{granted: true, services: false},
	})

	sess.Start()
	native.emit(validFix(10))
	if sess.LastFix() == nil {
		t.Fatal("precondition: a fix was accepted")
	}

	sess.OnDisabled(native)

	if sess.IsActive() {
		t.Error("session must stop when the native provider is disabled")
	}
	if sess.LastFix() != nil {
		t.Error("last fix must be cleared, it may be arbitrarily stale")
	}
	if code, ok := nav.lastError(); !ok || code != ErrorGPSOff {
		t.Errorf("navigator error = %v, want gps_off", code)
	}
	delegate.mu.Lock()
	dialogs := len(delegate.disabledDialogs)
	offer := len(delegate.disabledDialogs) > 0 && delegate.disabledDialogs[0]
	delegate.mu.Unlock()
	if dialogs != 1 || !offer {
		t.Errorf("disabled dialog shown %d times (offerSettings=%v), want once with settings", dialogs, offer)
	}
}

func TestSessionOnDisabledFusedDowngrades(t *testing.T) {
	sess, native, fused := newTestSession(t, Options{
		PreferFused: true,
		Permissions: &fakePerms{granted: true, services: true},
	})

	sess.Start()
	sess.OnDisabled(fused)

	if !sess.IsDowngraded() {
		t.Error("disabled fused provider with services on must downgrade")
	}
	if native.starts() != 1 {
		t.Errorf("native must take over, starts = %d", native.starts())
	}
}

func TestSessionSuppressedErrorDialogs(t *testing.T) {
	delegate := &fakeDelegate{}
	sess, native, _ := newTestSession(t, Options{
		Delegate:             delegate,
		SuppressErrorDialogs: true,
		Permissions:          &fakePerms{granted: true, services: false},
	})

	sess.Start()
	sess.OnDisabled(native)

	delegate.mu.Lock()
	dialogs := len(delegate.disabledDialogs)
	delegate.mu.Unlock()
	if dialogs != 0 {
		t.Errorf("suppressed dialogs shown %d times, want 0", dialogs)
	}
}

func TestSessionFirstRunSuppression(t *testing.T) {
	nav := &fakeNavigator{}
	sess, native, _ := newTestSession(t, Options{Navigator: nav})

	sess.EnterFirstRun()
	sess.Start()
	native.emit(validFix(10))

	if nav.fixCount() != 0 {
		t.Fatalf("navigator fixes during first run = %d, want 0", nav.fixCount())
	}
	if sess.LastFix() == nil {
		t.Fatal("the fix must still be recorded during first run")
	}

	sess.ExitFirstRun()
	if nav.fixCount() != 1 {
		t.Errorf("navigator fixes after first run = %d, want 1 replayed", nav.fixCount())
	}
	nav.mu.Lock()
	animations := nav.animations
	nav.mu.Unlock()
	if animations != 1 {
		t.Errorf("first launch animations = %d, want 1", animations)
	}
}

func TestSessionResolutionFlow(t *testing.T) {
	delegate := &fakeDelegate{}
	sess, _, fused := newTestSession(t, Options{
		PreferFused: true,
		Delegate:    delegate,
		Permissions: &fakePerms{granted: true, services: true},
	})

	sess.Start()
	sess.OnResolutionRequired(fused, Resolution{Reason: "credential rejected"})

	delegate.mu.Lock()
	launched := len(delegate.resolutions)
	delegate.mu.Unlock()
	if launched != 1 {
		t.Fatalf("resolutions launched = %d, want 1", launched)
	}

	sess.OnResolutionResult(true)
	if !sess.IsActive() {
		t.Error("granted resolution must restart the session")
	}
	if fused.starts() < 2 {
		t.Errorf("fused starts = %d, want a restart", fused.starts())
	}
}

func TestSessionPendingTimeout(t *testing.T) {
	delegate := &fakeDelegate{}
	sess, native, _ := newTestSession(t, Options{
		Delegate:       delegate,
		PendingTimeout: 30 * time.Millisecond,
		Permissions:    &fakePerms{granted: true, services: true},
	})

	sess.Start()
	time.Sleep(120 * time.Millisecond)

	delegate.mu.Lock()
	dialogs := delegate.pendingDialogs
	delegate.mu.Unlock()
	if dialogs == 0 {
		t.Fatal("pending timeout dialog must fire when no fix arrives")
	}

	// The provider keeps running until the user decides.
	if !native.IsActive() {
		t.Error("provider must keep polling after the timeout")
	}

	sess.StopByUser()
	if sess.IsActive() {
		t.Error("stop-by-user must stop the session")
	}

	sess.Start()
	if sess.IsActive() {
		t.Error("stop-by-user must gate future starts")
	}
}

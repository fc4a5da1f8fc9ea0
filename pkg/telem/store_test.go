package telem

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/waypt/navcore/pkg"
	"github.com/waypt/navcore/pkg/logx"
)

func testFix(at time.Time, lat float64) pkg.Fix {
	return pkg.Fix{
		Time:     at,
		Lat:      lat,
		Lon:      24.9384,
		Accuracy: pkg.Float64(10),
		Provider: pkg.ProviderNativeGps,
	}
}

func TestStoreValidation(t *testing.T) {
	if _, err := NewStore(logx.NewLogger("error", "test"), 0, ""); err == nil {
		t.Error("retention below range must be rejected")
	}
	if _, err := NewStore(logx.NewLogger("error", "test"), 200, ""); err == nil {
		t.Error("retention above range must be rejected")
	}
}

func TestStoreTrackAndEvents(t *testing.T) {
	store, err := NewStore(logx.NewLogger("error", "test"), 24, "")
	if err != nil {
		t.Fatalf("NewStore = %v", err)
	}
	defer store.Close()

	now := time.Now()
	for i := 0; i < 5; i++ {
		if err := store.AddFix(testFix(now.Add(time.Duration(i)*time.Second), 60+float64(i))); err != nil {
			t.Fatalf("AddFix = %v", err)
		}
	}
	store.AddEvent(pkg.Event{Timestamp: now, Type: "fix_accepted"})

	track := store.Track(now.Add(-time.Minute))
	if len(track) != 5 {
		t.Fatalf("track length = %d, want 5", len(track))
	}
	if track[0].Lat != 60 || track[4].Lat != 64 {
		t.Error("track must come back oldest first")
	}

	// The since filter excludes older fixes.
	recent := store.Track(now.Add(2500 * time.Millisecond))
	if len(recent) != 2 {
		t.Errorf("filtered track length = %d, want 2", len(recent))
	}

	last := store.LastFix()
	if last == nil || last.Lat != 64 {
		t.Errorf("LastFix = %v, want the newest fix", last)
	}

	events := store.Events(now.Add(-time.Minute))
	if len(events) != 1 {
		t.Errorf("events length = %d, want 1", len(events))
	}
}

func TestStorePersistenceAcrossReopen(t *testing.T) {
	logger := logx.NewLogger("error", "test")
	path := filepath.Join(t.TempDir(), "track.db")

	store, err := NewStore(logger, 24, path)
	if err != nil {
		t.Fatalf("NewStore = %v", err)
	}
	now := time.Now()
	store.AddFix(testFix(now, 60.17))
	store.AddEvent(pkg.Event{Timestamp: now, Type: "route_prepared"})
	if err := store.Close(); err != nil {
		t.Fatalf("Close = %v", err)
	}

	reopened, err := NewStore(logger, 24, path)
	if err != nil {
		t.Fatalf("reopen = %v", err)
	}
	defer reopened.Close()

	if last := reopened.LastFix(); last == nil || last.Lat != 60.17 {
		t.Errorf("restored LastFix = %v, want the persisted fix", last)
	}
	if events := reopened.Events(now.Add(-time.Minute)); len(events) != 1 {
		t.Errorf("restored events = %d, want 1", len(events))
	}
}

func TestRingBufferWrap(t *testing.T) {
	rb := newRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.add(i)
	}

	items := rb.items()
	if len(items) != 3 {
		t.Fatalf("size = %d, want 3", len(items))
	}
	for i, want := range []int{2, 3, 4} {
		if items[i].(int) != want {
			t.Errorf("items[%d] = %v, want %d", i, items[i], want)
		}
	}
}

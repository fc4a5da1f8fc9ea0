package location

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/waypt/navcore/pkg"
)

func TestPredictorExtrapolatesLinearMotion(t *testing.T) {
	var mu sync.Mutex
	var injected []pkg.Fix

	p := NewPredictor(testLogger(), time.Minute, 40*time.Millisecond, func(fix pkg.Fix) {
		mu.Lock()
		defer mu.Unlock()
		injected = append(injected, fix)
	})
	defer p.Stop()

	// Samples moving north at a constant rate.
	base := time.Now()
	for i := 0; i < 4; i++ {
		p.Observe(pkg.Fix{
			Time:     base.Add(time.Duration(i) * 10 * time.Millisecond),
			Lat:      60.0 + float64(i)*0.001,
			Lon:      24.0,
			Accuracy: pkg.Float64(10),
			Provider: pkg.ProviderNativeGps,
		})
	}

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(injected) == 0 {
		t.Fatal("predictor must inject a fix after the gap threshold")
	}

	fix := injected[0]
	if fix.Provider != pkg.ProviderPredicted {
		t.Errorf("provider = %s, want predicted", fix.Provider)
	}
	// Extrapolation must continue the northward trend past the last sample.
	if fix.Lat <= 60.003 {
		t.Errorf("lat = %f, want beyond the last observed 60.003", fix.Lat)
	}
	if math.Abs(fix.Lon-24.0) > 0.0001 {
		t.Errorf("lon = %f, want ~24.0", fix.Lon)
	}
	// Synthetic accuracy grows with the gap, so a returning real fix wins.
	if !fix.HasAccuracy() || fix.AccuracyOr(0) <= 10 {
		t.Errorf("accuracy = %v, want worse than the last real fix", fix.Accuracy)
	}
}

func TestPredictorNeedsEnoughSamples(t *testing.T) {
	var mu sync.Mutex
	count := 0

	p := NewPredictor(testLogger(), time.Minute, 20*time.Millisecond, func(pkg.Fix) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})
	defer p.Stop()

	p.Observe(pkg.Fix{Time: time.Now(), Lat: 60, Lon: 24, Provider: pkg.ProviderNativeGps})
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("injections = %d, want 0 with too few samples", count)
	}
}

func TestPredictorIgnoresPredictedFixes(t *testing.T) {
	p := NewPredictor(testLogger(), time.Minute, time.Hour, nil)
	defer p.Stop()

	p.Observe(pkg.Fix{Time: time.Now(), Lat: 60, Lon: 24, Provider: pkg.ProviderPredicted})

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.samples) != 0 {
		t.Error("predicted fixes must not feed the model")
	}
}

package location

import (
	"testing"
	"time"

	"github.com/waypt/navcore/pkg"
)

func fixAt(t time.Time, provider pkg.ProviderTag, accuracy *float64, speed *float64) pkg.Fix {
	return pkg.Fix{
		Time:     t,
		Lat:      60.1699,
		Lon:      24.9384,
		Accuracy: accuracy,
		Speed:    speed,
		Provider: provider,
	}
}

func TestAccuracySatisfied(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		fix  pkg.Fix
		want bool
	}{
		{"gps with accuracy", fixAt(now, pkg.ProviderNativeGps, pkg.Float64(12), nil), true},
		{"gps without accuracy", fixAt(now, pkg.ProviderNativeGps, nil, nil), true},
		{"fused with accuracy", fixAt(now, pkg.ProviderFused, pkg.Float64(30), nil), true},
		{"fused without accuracy", fixAt(now, pkg.ProviderFused, nil, nil), false},
		{"network with zero accuracy", fixAt(now, pkg.ProviderNativeNetwork, pkg.Float64(0), nil), false},
		{"predicted with accuracy", fixAt(now, pkg.ProviderPredicted, pkg.Float64(50), nil), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AccuracySatisfied(tt.fix); got != tt.want {
				t.Errorf("AccuracySatisfied(%s) = %v, want %v", tt.fix.String(), got, tt.want)
			}
		})
	}
}

func TestAcceptFirstFix(t *testing.T) {
	candidate := fixAt(time.Now(), pkg.ProviderNativeNetwork, pkg.Float64(500), nil)
	if !Accept(candidate, nil, false) {
		t.Error("first fix satisfying the accuracy check must be accepted")
	}
}

func TestAcceptDegenerateGPSLast(t *testing.T) {
	now := time.Now()
	last := fixAt(now, pkg.ProviderNativeGps, nil, nil)

	// Even a far less precise candidate replaces a GPS fix that never
	// reported accuracy.
	candidate := fixAt(now.Add(time.Second), pkg.ProviderNativeNetwork, pkg.Float64(5000), nil)
	if !Accept(candidate, &last, false) {
		t.Error("candidate must replace a degenerate GPS last fix")
	}
}

func TestAcceptTrustBypass(t *testing.T) {
	now := time.Now()
	last := fixAt(now, pkg.ProviderNativeGps, pkg.Float64(5), nil)
	candidate := fixAt(now, pkg.ProviderFused, pkg.Float64(1000), nil)

	if Accept(candidate, &last, false) {
		t.Error("imprecise candidate must lose against a fresh precise fix without the bypass")
	}
	if !Accept(candidate, &last, true) {
		t.Error("trusted candidate must be accepted regardless of relative precision")
	}
}

func TestBetterThanLastDecay(t *testing.T) {
	base := time.Now()

	tests := []struct {
		name        string
		lastAcc     float64
		candAcc     float64
		elapsed     time.Duration
		candSpeed   *float64
		lastSpeed   *float64
		want        bool
		description string
	}{
		{
			name: "worse candidate wins after decay", lastAcc: 10, candAcc: 20,
			elapsed: 5 * time.Second, want: true,
			description: "threshold 10 + 5*5 = 35",
		},
		{
			name: "much worse candidate still loses", lastAcc: 10, candAcc: 40,
			elapsed: 5 * time.Second, want: false,
			description: "threshold 10 + 5*5 = 35",
		},
		{
			name: "equal accuracy at zero elapsed loses", lastAcc: 10, candAcc: 10,
			elapsed: 0, want: false,
			description: "strict less-than against 10",
		},
		{
			name: "reported speeds widen the threshold", lastAcc: 10, candAcc: 100,
			elapsed: 5 * time.Second, candSpeed: pkg.Float64(30), lastSpeed: pkg.Float64(10),
			want:        true,
			description: "threshold 10 + 20*5 = 110",
		},
		{
			name: "slow speeds clamp to the floor", lastAcc: 10, candAcc: 34,
			elapsed: 5 * time.Second, candSpeed: pkg.Float64(1), lastSpeed: pkg.Float64(1),
			want:        true,
			description: "threshold 10 + 5*5 = 35, not 10 + 1*5",
		},
		{
			name: "clock skew uses absolute elapsed", lastAcc: 10, candAcc: 20,
			elapsed: -5 * time.Second, want: true,
			description: "threshold 10 + 5*5 = 35",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := fixAt(base, pkg.ProviderNativeGps, pkg.Float64(tt.lastAcc), tt.lastSpeed)
			candidate := fixAt(base.Add(tt.elapsed), pkg.ProviderNativeGps, pkg.Float64(tt.candAcc), tt.candSpeed)
			if got := BetterThanLast(candidate, last); got != tt.want {
				t.Errorf("BetterThanLast = %v, want %v (%s)", got, tt.want, tt.description)
			}
		})
	}
}

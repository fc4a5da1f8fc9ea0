package location

import (
	"sync"
	"time"

	"github.com/sajari/regression"

	"github.com/waypt/navcore/pkg"
	"github.com/waypt/navcore/pkg/logx"
)

const predictorMinSamples = 3

// Accuracy growth per second of extrapolation, meters.
const predictedAccuracyGrowth = 10.0

// Predictor fills gaps in the fix stream with dead-reckoned positions. It
// fits linear lat(t) and lon(t) models over a sliding window of real fixes
// and, when no real fix arrives within the gap threshold, injects an
// extrapolated fix back into the session. Predicted fixes carry a synthetic
// accuracy that grows with the extrapolation distance, so the arbiter
// naturally discards them once a real fix returns.
type Predictor struct {
	mu     sync.Mutex
	logger *logx.Logger
	inject func(pkg.Fix)

	window time.Duration
	maxGap time.Duration

	samples []predictorSample
	timer   *time.Timer
}

type predictorSample struct {
	t        time.Time
	lat, lon float64
	accuracy float64
}

// NewPredictor creates a predictor. The inject callback receives each
// extrapolated fix; it is wired to the session's internal acceptance path.
func NewPredictor(logger *logx.Logger, window, maxGap time.Duration, inject func(pkg.Fix)) *Predictor {
	if window <= 0 {
		window = 60 * time.Second
	}
	if maxGap <= 0 {
		maxGap = 5 * time.Second
	}
	return &Predictor{
		logger: logger,
		inject: inject,
		window: window,
		maxGap: maxGap,
	}
}

// Observe records a real fix. Predicted fixes are never fed back into the
// model, extrapolating an extrapolation would only compound the error.
func (p *Predictor) Observe(fix pkg.Fix) {
	if fix.Provider == pkg.ProviderPredicted {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples = append(p.samples, predictorSample{
		t:        fix.Time,
		lat:      fix.Lat,
		lon:      fix.Lon,
		accuracy: fix.AccuracyOr(predictedAccuracyGrowth),
	})
	p.pruneLocked(fix.Time)
	p.armLocked()
}

// Stop cancels any pending prediction.
func (p *Predictor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Predictor) pruneLocked(now time.Time) {
	cutoff := now.Add(-p.window)
	kept := p.samples[:0]
	for _, s := range p.samples {
		if s.t.After(cutoff) {
			kept = append(kept, s)
		}
	}
	p.samples = kept
}

func (p *Predictor) armLocked() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.maxGap, p.fire)
}

// fire extrapolates one fix at the current time and re-arms, so prediction
// continues through a sustained outage until the sample window goes stale.
func (p *Predictor) fire() {
	p.mu.Lock()

	now := time.Now()
	p.pruneLocked(now)
	if len(p.samples) < predictorMinSamples {
		p.mu.Unlock()
		return
	}

	fix, ok := p.extrapolateLocked(now)
	if ok {
		p.timer = time.AfterFunc(p.maxGap, p.fire)
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	p.logger.Debug("injecting predicted fix", "fix", fix.String())
	p.inject(fix)
}

func (p *Predictor) extrapolateLocked(now time.Time) (pkg.Fix, bool) {
	base := p.samples[0].t

	latModel := new(regression.Regression)
	latModel.SetObserved("lat")
	latModel.SetVar(0, "t")
	lonModel := new(regression.Regression)
	lonModel.SetObserved("lon")
	lonModel.SetVar(0, "t")

	var lastAcc float64
	for _, s := range p.samples {
		t := s.t.Sub(base).Seconds()
		latModel.Train(regression.DataPoint(s.lat, []float64{t}))
		lonModel.Train(regression.DataPoint(s.lon, []float64{t}))
		lastAcc = s.accuracy
	}

	if err := latModel.Run(); err != nil {
		return pkg.Fix{}, false
	}
	if err := lonModel.Run(); err != nil {
		return pkg.Fix{}, false
	}

	t := now.Sub(base).Seconds()
	lat, err := latModel.Predict([]float64{t})
	if err != nil {
		return pkg.Fix{}, false
	}
	lon, err := lonModel.Predict([]float64{t})
	if err != nil {
		return pkg.Fix{}, false
	}

	gap := now.Sub(p.samples[len(p.samples)-1].t).Seconds()
	acc := lastAcc + predictedAccuracyGrowth*gap

	return pkg.Fix{
		Time:     now,
		Lat:      lat,
		Lon:      lon,
		Accuracy: pkg.Float64(acc),
		Provider: pkg.ProviderPredicted,
	}, true
}

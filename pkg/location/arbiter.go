package location

import (
	"math"

	"github.com/waypt/navcore/pkg"
)

// minDecaySpeedMps assumes at least walking-to-jogging motion so a stale fix
// keeps decaying even when neither fix reports speed.
const minDecaySpeedMps = 5.0

// AccuracySatisfied checks a candidate's own accuracy. GPS-class hardware may
// omit accuracy and still be good, so it passes unconditionally; everything
// else must report a defined positive value.
func AccuracySatisfied(fix pkg.Fix) bool {
	if fix.Provider.IsGPSClass() {
		return true
	}
	return fix.HasAccuracy()
}

// BetterThanLast compares a candidate against the last accepted fix using a
// decayed-accuracy rule: the longer since the last fix and the faster we may
// be moving, the more the old fix's precision is discounted.
func BetterThanLast(candidate, last pkg.Fix) bool {
	speed := math.Max(minDecaySpeedMps, (candidate.SpeedOr(0)+last.SpeedOr(0))/2)
	elapsed := math.Abs(candidate.Time.Sub(last.Time).Seconds())
	decayed := last.AccuracyOr(0) + speed*elapsed
	return candidate.AccuracyOr(0) < decayed
}

// Accept decides whether a candidate fix supersedes the last accepted one.
// trustBypass is the candidate provider's arbitration-bypass flag.
func Accept(candidate pkg.Fix, last *pkg.Fix, trustBypass bool) bool {
	if !AccuracySatisfied(candidate) {
		return false
	}

	if last == nil {
		return true
	}

	// A GPS-class last fix without accuracy was already degenerate; anything
	// satisfying step one beats it.
	if last.Provider.IsGPSClass() && !last.HasAccuracy() {
		return true
	}

	if trustBypass {
		return true
	}

	return BetterThanLast(candidate, *last)
}

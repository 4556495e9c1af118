// Package predictor combines the cadence learner's (k, φ, I) and the
// latency estimator's location L into a per-gauge predicted next-visible
// time.
package predictor

import (
	"math"
	"time"

	"streamvis/internal/domain"
)

const (
	gridUnit  = 900.0 // seconds
	minHalfW  = 45.0
	maxHalfW  = 300.0
)

// Prediction is the predictor's output for one gauge at one instant.
type Prediction struct {
	NextObsAt  time.Time // t_obs*
	NextAPIAt  time.Time // t_api*
	HalfWidth  time.Duration // w
}

// Config exists for constructor symmetry with the learners; the
// half-width clamp bounds are fixed.
type Config struct{}

func DefaultConfig() Config { return Config{} }

type Predictor struct{}

func New(Config) *Predictor { return &Predictor{} }

// Predict computes the next predicted observation/visibility instants for
// gs as of now. Returns the zero Prediction if gs has no last_timestamp
// yet (nothing to extrapolate from).
func (p *Predictor) Predict(gs *domain.GaugeState, now time.Time) Prediction {
	if gs.LastTimestamp == nil {
		return Prediction{}
	}
	t0 := *gs.LastTimestamp
	interval := clamp(gs.MeanIntervalSec, 900, 21600)

	var tObs time.Time
	if gs.CadenceMult != nil && gs.PhaseOffsetSec != nil {
		tObs = gridPrediction(t0, *gs.CadenceMult, *gs.PhaseOffsetSec, now)
	} else {
		tObs = meanIntervalPrediction(t0, interval, now)
	}

	loc := gs.LatencyLocSec
	tAPI := tObs.Add(time.Duration(loc * float64(time.Second)))

	halfWidth := clamp(2*gs.LatencyScaleSec, minHalfW, maxHalfW)

	return Prediction{
		NextObsAt: tObs,
		NextAPIAt: tAPI,
		HalfWidth: time.Duration(halfWidth * float64(time.Second)),
	}
}

// gridPrediction finds the smallest t0 + n*P + ((φ - (t0 mod P)) mod P),
// n >= 0, strictly after now - P/2. A grid instant up to P/2 before now is
// therefore still returned rather than skipped, so an imminent update is
// not passed over when we are only slightly late. The distance of the
// candidate from t0 plays no part in the choice.
func gridPrediction(t0 time.Time, k int, phi float64, now time.Time) time.Time {
	period := float64(k) * gridUnit
	t0Unix := float64(t0.Unix())
	t0Mod := math.Mod(t0Unix, period)
	if t0Mod < 0 {
		t0Mod += period
	}
	offset := math.Mod(phi-t0Mod, period)
	if offset < 0 {
		offset += period
	}

	base := t0Unix + offset // first grid-aligned instant at/after t0
	threshold := float64(now.Unix()) - period/2

	n := math.Ceil((threshold - base) / period)
	if n < 0 {
		n = 0
	}
	candidate := base + n*period

	// A candidate landing exactly on now - P/2 is not strictly after it;
	// step to the next multiple.
	for candidate <= threshold {
		candidate += period
	}

	return time.Unix(int64(candidate), 0).UTC()
}

// meanIntervalPrediction steps t0 + m*I for m = 1, 2, ... until strictly
// after now.
func meanIntervalPrediction(t0 time.Time, interval float64, now time.Time) time.Time {
	if interval <= 0 {
		interval = 3600
	}
	elapsed := now.Sub(t0).Seconds()
	m := math.Floor(elapsed/interval) + 1
	if m < 1 {
		m = 1
	}
	next := t0.Add(time.Duration(m * interval * float64(time.Second)))
	for !next.After(now) {
		next = next.Add(time.Duration(interval * float64(time.Second)))
	}
	return next
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

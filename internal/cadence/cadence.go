// Package cadence implements the per-gauge cadence learner: snapping
// inter-update deltas onto the 15-minute grid when the data supports it,
// falling back to an exponentially weighted mean otherwise, and estimating
// the grid's phase offset via a Tukey biweight location.
package cadence

import (
	"math"
	"sort"
	"time"

	"streamvis/internal/domain"
)

const (
	gridUnit        = 900.0 // seconds, one 15-minute step
	maxGridK        = 24
	gridTolerance   = 180.0 // seconds
	minDelta        = 60.0  // sub-minute deltas are noise
	minClamp        = 900.0
	maxClamp        = 21600.0
	ewmaAlpha       = 0.25
	fitThreshold    = 0.6
	snapUpRatio     = 1.25
	snapUpMinDeltas = 3
	maxRecentDeltas = 24
	biweightC       = 6.0
	biweightMaxIter = 10
	biweightEps     = 1e-6
)

// Config holds the learner's smoothing and grid-fit tunables.
type Config struct {
	Alpha        float64
	FitThreshold float64
}

func DefaultConfig() Config {
	return Config{Alpha: ewmaAlpha, FitThreshold: fitThreshold}
}

// Learner applies one update to gs in place, given a newly observed
// timestamp tNew and the gauge's previous timestamp tPrev (zero value if
// this is the gauge's first-ever observation).
type Learner struct {
	cfg Config
}

func New(cfg Config) *Learner { return &Learner{cfg: cfg} }

// Observe folds one new-timestamp event into gs: delta clamp, grid snap,
// EWMA update, grid fit, snap-up, then phase estimation when a grid
// multiple holds. recentTimestamps is the gauge's ascending history
// timestamps (used for phase estimation); tPrev is the zero time when
// there is no prior observation.
func (l *Learner) Observe(gs *domain.GaugeState, tPrev, tNew time.Time, recentTimestamps []time.Time) {
	if tPrev.IsZero() {
		return // first-ever observation: nothing to learn a delta from yet
	}

	delta := tNew.Sub(tPrev).Seconds()
	if delta < minDelta {
		return // sub-minute duplicate, ignored entirely
	}

	gs.RecentDeltas = append(gs.RecentDeltas, delta)
	if len(gs.RecentDeltas) > maxRecentDeltas {
		gs.RecentDeltas = gs.RecentDeltas[len(gs.RecentDeltas)-maxRecentDeltas:]
	}

	sample := clamp(delta, minClamp, maxClamp)
	if k, gridConsistent := nearestGrid(delta); gridConsistent {
		sample = k * gridUnit
	}

	if gs.MeanIntervalSec <= 0 {
		gs.MeanIntervalSec = sample
	} else {
		gs.MeanIntervalSec = l.cfg.Alpha*sample + (1-l.cfg.Alpha)*gs.MeanIntervalSec
	}
	gs.MeanIntervalSec = clamp(gs.MeanIntervalSec, minClamp, maxClamp)

	l.fitGrid(gs)
	l.snapUp(gs)
	if gs.CadenceMult != nil {
		l.estimatePhase(gs, recentTimestamps)
	} else {
		gs.PhaseOffsetSec = nil
	}
}

// fitGrid finds the largest k in [1,24] whose fraction of recent deltas
// fall within ±180s of k*900, selecting it only if that fraction is >= the
// configured threshold; ties broken by larger matching count.
func (l *Learner) fitGrid(gs *domain.GaugeState) {
	if len(gs.RecentDeltas) == 0 {
		gs.CadenceMult = nil
		gs.CadenceFit = 0
		return
	}

	bestK := 0
	bestFit := 0.0
	bestCount := 0
	for k := 1; k <= maxGridK; k++ {
		period := float64(k) * gridUnit
		count := 0
		for _, d := range gs.RecentDeltas {
			if math.Abs(d-period) <= gridTolerance {
				count++
			}
		}
		fit := float64(count) / float64(len(gs.RecentDeltas))
		if fit < l.cfg.FitThreshold {
			continue
		}
		if k > bestK || (k == bestK && count > bestCount) {
			bestK, bestFit, bestCount = k, fit, count
		}
	}

	if bestK == 0 {
		gs.CadenceMult = nil
		gs.CadenceFit = 0
		return
	}
	k := bestK
	gs.CadenceMult = &k
	gs.CadenceFit = bestFit
}

// snapUp widens mean_interval_sec when the empirical mean of the last >=3
// deltas is systematically above the EWMA by more than 25%.
func (l *Learner) snapUp(gs *domain.GaugeState) {
	if len(gs.RecentDeltas) < snapUpMinDeltas {
		return
	}
	tail := gs.RecentDeltas
	if len(tail) > snapUpMinDeltas {
		tail = tail[len(tail)-snapUpMinDeltas:]
	}
	mean := 0.0
	for _, d := range tail {
		mean += d
	}
	mean /= float64(len(tail))

	if gs.MeanIntervalSec > 0 && mean > gs.MeanIntervalSec*snapUpRatio {
		gs.MeanIntervalSec = clamp(mean, minClamp, maxClamp)
	}
}

// estimatePhase computes phase_offset_sec by Tukey biweight location over
// the unwrapped residues ts mod P for the last >=3 timestamps, where
// P = cadence_mult * 900.
func (l *Learner) estimatePhase(gs *domain.GaugeState, recentTimestamps []time.Time) {
	if gs.CadenceMult == nil || len(recentTimestamps) < 3 {
		return
	}
	period := float64(*gs.CadenceMult) * gridUnit

	ts := recentTimestamps
	if len(ts) > maxRecentDeltas {
		ts = ts[len(ts)-maxRecentDeltas:]
	}

	anchor := math.Mod(float64(ts[0].Unix()), period)
	if anchor < 0 {
		anchor += period
	}
	residues := make([]float64, 0, len(ts))
	for _, t := range ts {
		r := math.Mod(float64(t.Unix()), period)
		if r < 0 {
			r += period
		}
		if anchor-r > period/2 {
			r += period
		}
		residues = append(residues, r)
	}

	loc := biweightLocation(residues, biweightC)
	loc = math.Mod(loc, period)
	if loc < 0 {
		loc += period
	}
	gs.PhaseOffsetSec = &loc
}

// nearestGrid reports whether delta lies within gridTolerance of some
// integer multiple k*900 with k in [1,24], returning that k.
func nearestGrid(delta float64) (k float64, ok bool) {
	nearest := math.Round(delta / gridUnit)
	if nearest < 1 {
		nearest = 1
	}
	if nearest > maxGridK {
		return 0, false
	}
	if math.Abs(delta-nearest*gridUnit) <= gridTolerance {
		return nearest, true
	}
	return 0, false
}

// biweightLocation computes the Tukey biweight location estimate with
// tuning constant c, iterating from the median up to biweightMaxIter times
// or until convergence below biweightEps.
func biweightLocation(xs []float64, c float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	loc := median(xs)
	mad := medianAbsDeviation(xs, loc)
	if mad == 0 {
		return loc
	}

	for iter := 0; iter < biweightMaxIter; iter++ {
		var num, den float64
		for _, x := range xs {
			u := (x - loc) / (c * mad)
			if math.Abs(u) >= 1 {
				continue
			}
			w := (1 - u*u) * (1 - u*u)
			num += w * x
			den += w
		}
		if den == 0 {
			break
		}
		next := num / den
		if math.Abs(next-loc) < biweightEps {
			loc = next
			break
		}
		loc = next
	}
	return loc
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func medianAbsDeviation(xs []float64, center float64) float64 {
	devs := make([]float64, len(xs))
	for i, x := range xs {
		devs[i] = math.Abs(x - center)
	}
	return median(devs) * 1.4826 // normal-consistency scale factor
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

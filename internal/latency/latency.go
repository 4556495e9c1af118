// Package latency implements the per-gauge robust location/scale estimator
// of observation→visibility delay: bracket windowing from poll timestamps,
// an iteratively reweighted biweight location and midvariance, with a
// (600, 100) prior used whenever too few samples exist.
package latency

import (
	"math"
	"sort"
	"time"

	"streamvis/internal/domain"
)

const (
	priorLoc   = 600.0
	priorScale = 100.0
	maxSamples = domain.HistoryCap

	locC    = 6.0
	scaleC  = 9.0
	maxIter = 5
	epsilon = 1e-6
)

// Config exists for constructor symmetry with the other learners; the
// estimator's constants are not meaningfully tunable.
type Config struct{}

func DefaultConfig() Config { return Config{} }

type Estimator struct{}

func New(Config) *Estimator { return &Estimator{} }

// Observe folds one new-visibility event into gs. tPrevPoll is the last
// wall-clock at which this gauge was polled and the timestamp was still
// absent; tPoll is the wall-clock of the poll that first saw tObs. A
// negative upper bound (clock skew) discards the sample entirely.
func (e *Estimator) Observe(gs *domain.GaugeState, tObs, tPrevPoll, tPoll time.Time) {
	lower := tPrevPoll.Sub(tObs).Seconds()
	if lower < 0 {
		lower = 0
	}
	upper := tPoll.Sub(tObs).Seconds()
	if upper < 0 {
		return // clock skew: sample discarded
	}

	sample := (lower + upper) / 2
	if sample < 0 {
		sample = 0
	}
	if sample > upper {
		sample = upper
	}

	gs.LatencyWindow = &[2]float64{lower, upper}
	gs.LatencySamples = append(gs.LatencySamples, sample)
	if len(gs.LatencySamples) > maxSamples {
		gs.LatencySamples = gs.LatencySamples[len(gs.LatencySamples)-maxSamples:]
	}

	loc, scale := estimate(gs.LatencySamples)
	gs.LatencyLocSec = loc
	gs.LatencyScaleSec = scale
}

// estimate returns the robust (location, scale) pair for samples, falling
// back to the documented prior when fewer than 3 samples are available.
func estimate(samples []float64) (loc, scale float64) {
	if len(samples) < 3 {
		return priorLoc, priorScale
	}

	loc = median(samples)
	mad := medianAbsDeviation(samples, loc)
	if mad == 0 {
		mad = priorScale
	}

	for iter := 0; iter < maxIter; iter++ {
		nextLoc := biweightLocation(samples, loc, mad, locC)
		converged := math.Abs(nextLoc-loc) < epsilon
		loc = nextLoc
		if converged {
			break
		}
	}
	scale = math.Sqrt(biweightMidvariance(samples, loc, mad, scaleC))
	if scale <= 0 {
		scale = priorScale
	}
	return loc, scale
}

func biweightLocation(xs []float64, loc, scaleRef, c float64) float64 {
	if scaleRef == 0 {
		return loc
	}
	var num, den float64
	for _, x := range xs {
		u := (x - loc) / (c * scaleRef)
		if math.Abs(u) >= 1 {
			continue
		}
		w := (1 - u*u) * (1 - u*u)
		num += w * x
		den += w
	}
	if den == 0 {
		return loc
	}
	return num / den
}

// biweightMidvariance implements the standard biweight midvariance
// statistic (Hoaglin/Mosteller/Tukey), tuning constant c = 9.
func biweightMidvariance(xs []float64, loc, scaleRef, c float64) float64 {
	if scaleRef == 0 {
		return priorScale * priorScale
	}
	n := float64(len(xs))
	var num, den float64
	for _, x := range xs {
		u := (x - loc) / (c * scaleRef)
		if math.Abs(u) >= 1 {
			continue
		}
		num += (x - loc) * (x - loc) * (1 - u*u) * (1 - u*u) * (1 - u*u) * (1 - u*u)
		den += (1 - u*u) * (1 - 5*u*u)
	}
	if den == 0 {
		return priorScale * priorScale
	}
	v := n * num / (den * den)
	if v <= 0 {
		return priorScale * priorScale
	}
	return v
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
	return median(devs) * 1.4826
}

// Package blended implements the dual-backend racing policy: during probe
// mode it dispatches both the legacy and modern adapters concurrently and
// learns their relative latency; in steady state it dispatches only the
// preferred backend and periodically re-probes the other.
package blended

import (
	"context"
	"log"
	"time"

	"streamvis/internal/clock"
	"streamvis/internal/domain"
)

// Config holds the blended backend's tunables.
type Config struct {
	ProbeThreshold  int64         // samples per side before steady state
	EWMAAlpha       float64       // latency/variance EWMA smoothing
	HysteresisPct   float64       // required margin to switch preferred backend
	ProbeInterval   time.Duration // steady-state non-preferred probe cadence
	ProbeGrace      time.Duration // grace period to still absorb the loser's timing
}

func DefaultConfig() Config {
	return Config{
		ProbeThreshold: 10,
		EWMAAlpha:      0.2,
		HysteresisPct:  0.10,
		ProbeInterval:  15 * time.Minute,
		ProbeGrace:     3 * time.Second,
	}
}

// Backend races/selects between the legacy and modern upstream.Client
// implementations according to the configured api_backend policy.
type Backend struct {
	cfg     Config
	clk     clock.Clock
	legacy  domain.UpstreamClient
	modern  domain.UpstreamClient
	apiMode domain.Backend

	lastProbeAt time.Time
}

func New(cfg Config, clk clock.Clock, legacy, modern domain.UpstreamClient, apiMode domain.Backend) *Backend {
	return &Backend{cfg: cfg, clk: clk, legacy: legacy, modern: modern, apiMode: apiMode}
}

// timedResult is one adapter's dispatch outcome plus its wall-clock cost,
// fed into the backend's EWMA regardless of whether it won the race.
type timedResult struct {
	backend  domain.Backend
	readings map[string]domain.GaugeReading
	err      error
	latency  time.Duration
}

// Dispatch executes one fetch cycle against siteNos and returns the merged
// reading map, the backend actually used for the authoritative result, and
// an error when the authoritative adapter failed: in probe mode only when
// both adapters failed, in the steady-state probe whenever the preferred
// adapter failed, and otherwise when the single dispatched adapter
// failed. st supplies both the
// stats bookkeeping (st.Meta) and the per-gauge state needed to decide
// whether modifiedSince may be set.
func (b *Backend) Dispatch(ctx context.Context, siteNos []string, st *domain.State) (map[string]domain.GaugeReading, domain.Backend, error) {
	meta := &st.Meta
	modifiedSince := b.modifiedSinceFor(st)

	switch b.apiMode {
	case domain.BackendLegacy:
		return b.passthrough(ctx, b.legacy, siteNos, meta, modifiedSince)
	case domain.BackendModern:
		return b.passthrough(ctx, b.modern, siteNos, meta, modifiedSince)
	default:
		return b.dispatchBlended(ctx, siteNos, meta, modifiedSince)
	}
}

// modifiedSinceFor decides the incremental-fetch precondition:
// modifiedSince is only set once every tracked gauge has been seen at
// least once and every tracked gauge's learned cadence is <= 1h. The
// returned duration is how
// long ago the oldest tracked gauge last reported, so a single batched
// request covers every gauge's outstanding window.
func (b *Backend) modifiedSinceFor(st *domain.State) *time.Duration {
	if len(st.Gauges) == 0 {
		return nil
	}
	var oldest time.Time
	for _, gs := range st.Gauges {
		if gs.LastTimestamp == nil {
			return nil
		}
		if gs.MeanIntervalSec > time.Hour.Seconds() {
			return nil
		}
		if oldest.IsZero() || gs.LastTimestamp.Before(oldest) {
			oldest = *gs.LastTimestamp
		}
	}
	d := b.clk.Now().Sub(oldest)
	if d <= 0 {
		return nil
	}
	return &d
}

func (b *Backend) passthrough(ctx context.Context, client domain.UpstreamClient, siteNos []string, meta *domain.Meta, modifiedSince *time.Duration) (map[string]domain.GaugeReading, domain.Backend, error) {
	start := b.clk.Now()
	readings, err := client.Fetch(ctx, siteNos, modifiedSince)
	b.recordStat(meta, client.Name(), b.clk.Now().Sub(start))
	if err != nil {
		return nil, client.Name(), err
	}
	meta.LastBackendUsed = client.Name()
	return readings, client.Name(), nil
}

func (b *Backend) dispatchBlended(ctx context.Context, siteNos []string, meta *domain.Meta, modifiedSince *time.Duration) (map[string]domain.GaugeReading, domain.Backend, error) {
	preferred := b.preferred(meta)
	probeMode := preferred == "" || !b.bothHaveEnoughSamples(meta)

	if probeMode {
		return b.raceBoth(ctx, siteNos, meta, modifiedSince)
	}

	due := b.clk.Now().Sub(b.lastProbeAt) >= b.cfg.ProbeInterval
	if due {
		b.lastProbeAt = b.clk.Now()
		return b.steadyStateProbe(ctx, siteNos, meta, preferred, modifiedSince)
	}

	client := b.clientFor(preferred)
	return b.passthrough(ctx, client, siteNos, meta, modifiedSince)
}

// steadyStateProbe is the periodic stats refresh of the non-preferred
// backend: the preferred backend's result stays authoritative even when
// the concurrently
// dispatched non-preferred probe answers faster or without error — only its
// timing feeds the EWMA, never its reading or meta.LastBackendUsed.
func (b *Backend) steadyStateProbe(ctx context.Context, siteNos []string, meta *domain.Meta, preferred domain.Backend, modifiedSince *time.Duration) (map[string]domain.GaugeReading, domain.Backend, error) {
	preferredClient := b.clientFor(preferred)
	otherClient := b.legacy
	if preferred == domain.BackendLegacy {
		otherClient = b.modern
	}

	preferredCh := make(chan timedResult, 1)
	otherCh := make(chan timedResult, 1)
	dispatch := func(client domain.UpstreamClient, ch chan<- timedResult) {
		start := b.clk.Now()
		readings, err := client.Fetch(ctx, siteNos, modifiedSince)
		ch <- timedResult{backend: client.Name(), readings: readings, err: err, latency: b.clk.Now().Sub(start)}
	}
	go dispatch(preferredClient, preferredCh)
	go dispatch(otherClient, otherCh)

	pr := <-preferredCh
	or := <-otherCh
	b.recordStat(meta, pr.backend, pr.latency)
	b.recordStat(meta, or.backend, or.latency)

	if pr.err != nil {
		return nil, preferred, pr.err
	}
	meta.LastBackendUsed = preferred
	return pr.readings, preferred, nil
}

func (b *Backend) raceBoth(ctx context.Context, siteNos []string, meta *domain.Meta, modifiedSince *time.Duration) (map[string]domain.GaugeReading, domain.Backend, error) {
	resultCh := make(chan timedResult, 2)

	dispatch := func(client domain.UpstreamClient) {
		start := b.clk.Now()
		readings, err := client.Fetch(ctx, siteNos, modifiedSince)
		resultCh <- timedResult{backend: client.Name(), readings: readings, err: err, latency: b.clk.Now().Sub(start)}
	}
	go dispatch(b.legacy)
	go dispatch(b.modern)

	first := <-resultCh
	b.recordStat(meta, first.backend, first.latency)

	if first.err != nil {
		// First responder failed; the race collapses to waiting on the
		// other adapter.
		second := <-resultCh
		b.recordStat(meta, second.backend, second.latency)
		if second.err != nil {
			return nil, second.backend, domain.ErrAllBackendsDown
		}
		meta.LastBackendUsed = second.backend
		return second.readings, second.backend, nil
	}

	// First responder won. Absorb the loser's timing if it lands within
	// the grace period; past that it is discarded, since meta must not be
	// touched once this dispatch returns.
	select {
	case second := <-resultCh:
		b.recordStat(meta, second.backend, second.latency)
	case <-time.After(b.cfg.ProbeGrace):
		go func() { <-resultCh }()
	}

	meta.LastBackendUsed = first.backend
	return first.readings, first.backend, nil
}

func (b *Backend) clientFor(backend domain.Backend) domain.UpstreamClient {
	if backend == domain.BackendModern {
		return b.modern
	}
	return b.legacy
}

// recordStat folds one dispatch's latency into that backend's EWMA mean
// and EWMA variance. A failed dispatch is recorded with its measured
// wall-clock time exactly like a success: no extra cost is added for the
// failure, so a failure that returns quickly counts as a fast sample.
func (b *Backend) recordStat(meta *domain.Meta, backend domain.Backend, latency time.Duration) {
	if meta.BackendStats == nil {
		meta.BackendStats = map[domain.Backend]*domain.BackendStats{}
	}
	st, ok := meta.BackendStats[backend]
	if !ok {
		st = &domain.BackendStats{}
		meta.BackendStats[backend] = st
	}

	sampleMs := float64(latency.Milliseconds())
	if st.Samples == 0 {
		st.MeanLatencyMs = sampleMs
		st.VarianceMs2 = 0
	} else {
		delta := sampleMs - st.MeanLatencyMs
		st.MeanLatencyMs += b.cfg.EWMAAlpha * delta
		st.VarianceMs2 = (1-b.cfg.EWMAAlpha)*st.VarianceMs2 + b.cfg.EWMAAlpha*delta*delta
	}
	st.Samples++
}

func (b *Backend) bothHaveEnoughSamples(meta *domain.Meta) bool {
	l := meta.BackendStats[domain.BackendLegacy]
	m := meta.BackendStats[domain.BackendModern]
	return l != nil && m != nil && l.Samples >= b.cfg.ProbeThreshold && m.Samples >= b.cfg.ProbeThreshold
}

// preferred returns "" until both backends have at least one sample. With
// no current legacy/modern incumbent in meta.LastBackendUsed it returns the
// backend with the lower mean latency; otherwise it keeps the incumbent
// unless the challenger is faster by more than the hysteresis margin.
func (b *Backend) preferred(meta *domain.Meta) domain.Backend {
	l := meta.BackendStats[domain.BackendLegacy]
	m := meta.BackendStats[domain.BackendModern]
	if l == nil || m == nil || l.Samples == 0 || m.Samples == 0 {
		return ""
	}

	current := meta.LastBackendUsed
	if current != domain.BackendLegacy && current != domain.BackendModern {
		if l.MeanLatencyMs <= m.MeanLatencyMs {
			return domain.BackendLegacy
		}
		return domain.BackendModern
	}

	// Hysteresis: only flip if the challenger beats the incumbent by more
	// than HysteresisPct.
	var incumbentMs, challengerMs float64
	var challenger domain.Backend
	if current == domain.BackendLegacy {
		incumbentMs, challengerMs, challenger = l.MeanLatencyMs, m.MeanLatencyMs, domain.BackendModern
	} else {
		incumbentMs, challengerMs, challenger = m.MeanLatencyMs, l.MeanLatencyMs, domain.BackendLegacy
	}
	if incumbentMs <= 0 {
		return current
	}
	if challengerMs < incumbentMs*(1-b.cfg.HysteresisPct) {
		log.Printf("[blended] preferred backend flipped from %s to %s (incumbent=%.1fms challenger=%.1fms)", current, challenger, incumbentMs, challengerMs)
		return challenger
	}
	return current
}

// Package pollloop drives the single fetch→observe→update→schedule cycle
// that is the sole writer of the state store and the sole caller of the
// blended backend. It supports both a blocking loop (adaptive/once modes)
// and cooperative execution under a host event loop via its Signal channel.
package pollloop

import (
	"context"
	"log"
	"time"

	"streamvis/internal/cadence"
	"streamvis/internal/clock"
	"streamvis/internal/domain"
	"streamvis/internal/latency"
	"streamvis/internal/predictor"
	"streamvis/internal/scheduler"
)

// SignalKind enumerates the cooperative control messages a host event loop
// (or the UI adapter) can inject into the loop.
type SignalKind int

const (
	SignalTick SignalKind = iota
	SignalRefresh
	SignalForcedRefresh
	SignalQuit
)

// Dispatcher is the capability the poll loop needs from the blended
// backend: fetch a batch of readings keyed by site_no, given the full
// state document for stats bookkeeping and the modifiedSince precondition.
type Dispatcher interface {
	Dispatch(ctx context.Context, siteNos []string, st *domain.State) (map[string]domain.GaugeReading, domain.Backend, error)
}

// OverlayClient is the capability the poll loop needs from an
// internal/overlay.Store: an opportunistic, internally rate-limited
// refresh per gauge, folded into the regular poll cycle instead of a
// second goroutine racing the same state document.
type OverlayClient interface {
	Refresh(ctx context.Context, gauge domain.Gauge) error
}

// Backfiller is the capability the poll loop needs to seed history and
// re-anchor cadence from a window of historical observations, typically
// the legacy adapter's batched period query.
type Backfiller interface {
	FetchHistory(ctx context.Context, siteNos []string, window time.Duration) (map[string][]domain.Observation, error)
}

// CommunityClient is the capability the poll loop needs from an
// internal/community.Aggregator.
type CommunityClient interface {
	MaybeAdoptPrior(ctx context.Context, st *domain.State, siteByGauge map[string]string) error
	PublishSample(ctx context.Context, siteNo string, obsTS, pollTS time.Time, lower, upper, latencySec float64)
}

// Metrics is the capability the poll loop needs from
// internal/observability.Metrics.
type Metrics interface {
	ObserveState(st *domain.State)
	RecordBackend(backend domain.Backend, latency time.Duration)
}

// Config bundles the loop's own tunables (backoff floor, backfill window)
// separately from the sub-component configs it owns.
type Config struct {
	MinRetrySeconds int
	BackfillHours   int
}

func DefaultConfig() Config {
	return Config{MinRetrySeconds: 60, BackfillHours: 6}
}

// Engine owns one run of the poll loop against a single state document.
type Engine struct {
	cfg Config
	clk clock.Clock

	dispatcher Dispatcher
	cadence    *cadence.Learner
	latency    *latency.Estimator
	predictor  *predictor.Predictor
	scheduler  *scheduler.Scheduler
	store      domain.StateStore

	gauges map[string]domain.Gauge // gauge_id -> Gauge, site_no lookup

	backoff time.Duration

	// overlay, community, metrics, and backfiller are optional
	// supplements: nil until attached through their setters. daemon.Build
	// always attaches metrics, community, and the backfiller, and attaches
	// overlay only when a forecast base is configured.
	overlay    OverlayClient
	community  CommunityClient
	metrics    Metrics
	backfiller Backfiller

	lastBackfillAt time.Time

	Signal        chan SignalKind
	RefreshNow    bool
	ForcedRefetch bool
}

// SetOverlay attaches the optional forecast/cross-check refresher. Passing
// nil disables it.
func (e *Engine) SetOverlay(o OverlayClient) { e.overlay = o }

// SetCommunity attaches the optional cross-instance priors aggregator.
// Passing nil disables it.
func (e *Engine) SetCommunity(c CommunityClient) { e.community = c }

// SetMetrics attaches the optional Prometheus observability surface.
// Passing nil disables it.
func (e *Engine) SetMetrics(m Metrics) { e.metrics = m }

// SetBackfiller attaches the optional history backfiller. Passing nil
// disables startup/periodic backfill.
func (e *Engine) SetBackfiller(b Backfiller) { e.backfiller = b }

func New(cfg Config, clk clock.Clock, dispatcher Dispatcher, c *cadence.Learner, l *latency.Estimator, p *predictor.Predictor, sch *scheduler.Scheduler, store domain.StateStore, gauges map[string]domain.Gauge) *Engine {
	return &Engine{
		cfg:        cfg,
		clk:        clk,
		dispatcher: dispatcher,
		cadence:    c,
		latency:    l,
		predictor:  p,
		scheduler:  sch,
		store:      store,
		gauges:     gauges,
		Signal:     make(chan SignalKind, 4),
	}
}

// RunOnce executes exactly one fetch→update→schedule cycle and persists
// the result. Returns the freshly loaded/updated state for callers (e.g.
// `once` CLI mode) that want to render it immediately.
func (e *Engine) RunOnce(ctx context.Context) (*domain.State, error) {
	if err := e.store.Lock(); err != nil {
		return nil, err
	}
	defer e.store.Unlock()

	st, err := e.store.Load()
	if err != nil {
		return nil, err
	}
	e.runCycle(ctx, st)
	if err := e.store.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Run drives the loop until ctx is canceled or a quit signal arrives. It
// is the entry point for `adaptive` mode and for cooperative embedding
// (the caller feeds SignalTick at its own UI-tick cadence).
func (e *Engine) Run(ctx context.Context) error {
	if err := e.store.Lock(); err != nil {
		return err
	}
	defer e.store.Unlock()

	for {
		st, err := e.store.Load()
		if err != nil {
			return err
		}

		sleepUntil := e.runCycle(ctx, st)

		if err := e.store.Save(st); err != nil {
			return err
		}

		if !e.waitUntil(ctx, sleepUntil) {
			return nil // quit signal or canceled context
		}
	}
}

// runCycle performs one fetch→update→schedule pass and returns the wall
// clock moment the loop should next wake. Errors from the dispatcher are
// absorbed into backoff and never halt the loop.
func (e *Engine) runCycle(ctx context.Context, st *domain.State) time.Time {
	now := e.clk.Now()
	st.Meta.LastFetchAt = &now

	if e.community != nil {
		if err := e.community.MaybeAdoptPrior(ctx, st, e.siteByGauge()); err != nil && err != domain.ErrCommunityDisabled {
			log.Printf("[pollloop] community prior adoption failed: %v", err)
		}
	}

	e.maybeBackfill(ctx, st, now)

	start := e.clk.Now()
	siteNos := e.siteNumbers()
	readings, backendUsed, err := e.dispatcher.Dispatch(ctx, siteNos, st)
	st.Meta.LastBackendUsed = backendUsed
	if e.metrics != nil {
		e.metrics.RecordBackend(backendUsed, e.clk.Now().Sub(start))
	}

	if err != nil {
		log.Printf("[pollloop] fetch failed: %v", err)
		now := e.clk.Now()
		st.Meta.LastFailureAt = &now
		e.backoff = e.scheduler.Backoff(e.backoff)
		wake := now.Add(e.backoff)
		st.Meta.NextPollAt = &wake
		if e.metrics != nil {
			e.metrics.ObserveState(st)
		}
		return wake
	}
	e.backoff = 0
	successAt := e.clk.Now()
	st.Meta.LastSuccessAt = &successAt
	st.Meta.APIBackend = backendUsed

	forced := e.ForcedRefetch
	e.ForcedRefetch = false
	e.RefreshNow = false

	for siteNo, gauge := range e.gaugeBySite() {
		reading, ok := readings[siteNo]
		if !ok {
			continue
		}
		e.applyReading(ctx, st, gauge.ID, siteNo, reading, now, forced)
	}

	if e.overlay != nil {
		for _, gauge := range e.gauges {
			if err := e.overlay.Refresh(ctx, gauge); err != nil && err != domain.ErrOverlayDisabled {
				log.Printf("[pollloop] overlay refresh for %s failed, keeping prior data: %v", gauge.ID, err)
			}
		}
	}

	preds := e.recomputePredictions(st, now)

	wake, _ := e.scheduler.NextPoll(now, st.Gauges, preds)
	st.Meta.NextPollAt = &wake

	if e.metrics != nil {
		e.metrics.ObserveState(st)
	}
	return wake
}

// applyReading folds one reading into the gauge's state: a newer
// timestamp extends history and feeds the learners, the same timestamp
// with changed values refreshes the last entry in place, and anything
// else just counts as a no-update poll.
func (e *Engine) applyReading(ctx context.Context, st *domain.State, gaugeID, siteNo string, reading domain.GaugeReading, pollTime time.Time, forced bool) {
	gs := st.GaugeOrNew(gaugeID)
	prevTS := gs.LastTimestamp
	prevPollTS := gs.LastPollTS

	switch {
	case prevTS == nil || reading.ObservedAt.After(*prevTS):
		var prev time.Time
		if prevTS != nil {
			prev = *prevTS
		}

		gs.History = append(gs.History, domain.HistoryPoint{
			Timestamp: reading.ObservedAt,
			Stage:     reading.Stage,
			Flow:      reading.Flow,
		})
		if len(gs.History) > domain.HistoryCap {
			gs.History = gs.History[len(gs.History)-domain.HistoryCap:]
		}
		ts := reading.ObservedAt
		gs.LastTimestamp = &ts
		if reading.Stage != nil {
			gs.LastStage = reading.Stage
		}
		if reading.Flow != nil {
			gs.LastFlow = reading.Flow
		}

		if !prev.IsZero() {
			e.cadence.Observe(gs, prev, reading.ObservedAt, historyTimestamps(gs))
		}
		if !prevPollTS.IsZero() {
			// No prior "timestamp absent" poll means no visibility
			// bracket to sample from.
			e.latency.Observe(gs, reading.ObservedAt, prevPollTS, pollTime)
		}
		if e.community != nil && !prevPollTS.IsZero() {
			lower := prevPollTS.Sub(reading.ObservedAt).Seconds()
			if lower < 0 {
				lower = 0
			}
			upper := pollTime.Sub(reading.ObservedAt).Seconds()
			if upper >= 0 {
				e.community.PublishSample(ctx, siteNo, reading.ObservedAt, pollTime, lower, upper, gs.LatencyLocSec)
			}
		}

		pollsPerUpdate := float64(gs.NoUpdatePolls + 1)
		if gs.PollsPerUpdateEWMA <= 0 {
			gs.PollsPerUpdateEWMA = pollsPerUpdate
		} else {
			const alpha = 0.25
			gs.PollsPerUpdateEWMA = alpha*pollsPerUpdate + (1-alpha)*gs.PollsPerUpdateEWMA
		}
		gs.NoUpdatePolls = 0

	case reading.ObservedAt.Equal(*prevTS) && (forced || changed(gs, reading)):
		if reading.Stage != nil {
			gs.LastStage = reading.Stage
		}
		if reading.Flow != nil {
			gs.LastFlow = reading.Flow
		}
		if n := len(gs.History); n > 0 {
			last := &gs.History[n-1]
			if reading.Stage != nil {
				last.Stage = reading.Stage
			}
			if reading.Flow != nil {
				last.Flow = reading.Flow
			}
		}

	default:
		gs.NoUpdatePolls++
	}

	gs.LastPollTS = pollTime
}

// backfillRefreshInterval is how often the historical window is refetched
// to re-anchor cadence against any observations the live polls missed.
const backfillRefreshInterval = 6 * time.Hour

// maybeBackfill fetches up to cfg.BackfillHours of history for every
// tracked site — on first run, whenever the persisted window is narrower
// than configured, and again every backfillRefreshInterval. A failed
// backfill is logged and skipped; live polling carries on regardless.
func (e *Engine) maybeBackfill(ctx context.Context, st *domain.State, now time.Time) {
	if e.backfiller == nil || e.cfg.BackfillHours <= 0 {
		return
	}
	due := e.lastBackfillAt.IsZero() ||
		now.Sub(e.lastBackfillAt) >= backfillRefreshInterval ||
		st.Meta.BackfillHours < e.cfg.BackfillHours
	if !due {
		return
	}

	window := time.Duration(e.cfg.BackfillHours) * time.Hour
	series, err := e.backfiller.FetchHistory(ctx, e.siteNumbers(), window)
	if err != nil {
		log.Printf("[pollloop] backfill failed, continuing with live polls only: %v", err)
		return
	}
	e.lastBackfillAt = now
	if st.Meta.BackfillHours < e.cfg.BackfillHours {
		st.Meta.BackfillHours = e.cfg.BackfillHours
	}

	for siteNo, gauge := range e.gaugeBySite() {
		obs, ok := series[siteNo]
		if !ok {
			continue
		}
		e.ingestHistory(st, gauge.ID, obs)
	}
}

// ingestHistory folds a backfilled observation series into the gauge's
// history and cadence statistics. Latency stats are untouched: backfilled
// points carry no poll bracketing to sample a visibility delay from.
func (e *Engine) ingestHistory(st *domain.State, gaugeID string, obs []domain.Observation) {
	gs := st.GaugeOrNew(gaugeID)
	for _, o := range obs {
		if gs.LastTimestamp != nil && !o.Timestamp.After(*gs.LastTimestamp) {
			continue
		}
		var prev time.Time
		if gs.LastTimestamp != nil {
			prev = *gs.LastTimestamp
		}

		gs.History = append(gs.History, domain.HistoryPoint{
			Timestamp: o.Timestamp,
			Stage:     o.Stage,
			Flow:      o.Flow,
		})
		if len(gs.History) > domain.HistoryCap {
			gs.History = gs.History[len(gs.History)-domain.HistoryCap:]
		}
		ts := o.Timestamp
		gs.LastTimestamp = &ts
		if o.Stage != nil {
			gs.LastStage = o.Stage
		}
		if o.Flow != nil {
			gs.LastFlow = o.Flow
		}

		if !prev.IsZero() {
			e.cadence.Observe(gs, prev, o.Timestamp, historyTimestamps(gs))
		}
	}
}

func changed(gs *domain.GaugeState, reading domain.GaugeReading) bool {
	if reading.Stage != nil && (gs.LastStage == nil || *reading.Stage != *gs.LastStage) {
		return true
	}
	if reading.Flow != nil && (gs.LastFlow == nil || *reading.Flow != *gs.LastFlow) {
		return true
	}
	return false
}

func (e *Engine) recomputePredictions(st *domain.State, now time.Time) map[string]predictorPrediction {
	preds := make(map[string]predictorPrediction, len(st.Gauges))
	for id, gs := range st.Gauges {
		p := e.predictor.Predict(gs, now)
		if !p.NextAPIAt.IsZero() {
			eta := p.NextAPIAt
			gs.NextETA = &eta
		}
		preds[id] = p
	}
	return preds
}

// predictorPrediction is a local alias so this file doesn't need to import
// predictor.Prediction under two names across the package boundary.
type predictorPrediction = predictor.Prediction

func historyTimestamps(gs *domain.GaugeState) []time.Time {
	out := make([]time.Time, len(gs.History))
	for i, p := range gs.History {
		out[i] = p.Timestamp
	}
	return out
}

func (e *Engine) siteNumbers() []string {
	out := make([]string, 0, len(e.gauges))
	for _, g := range e.gauges {
		out = append(out, g.SiteNo)
	}
	return out
}

func (e *Engine) gaugeBySite() map[string]domain.Gauge {
	out := make(map[string]domain.Gauge, len(e.gauges))
	for _, g := range e.gauges {
		out[g.SiteNo] = g
	}
	return out
}

func (e *Engine) siteByGauge() map[string]string {
	out := make(map[string]string, len(e.gauges))
	for id, g := range e.gauges {
		out[id] = g.SiteNo
	}
	return out
}

// waitUntil blocks until t, a quit/forced signal, or ctx cancellation,
// whichever comes first. Returns false if the loop should stop.
func (e *Engine) waitUntil(ctx context.Context, t time.Time) bool {
	d := t.Sub(e.clk.Now())
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case sig := <-e.Signal:
			switch sig {
			case SignalQuit:
				return false
			case SignalRefresh:
				return true
			case SignalForcedRefresh:
				e.ForcedRefetch = true
				return true
			case SignalTick:
				// cooperative yield point; nothing to do but loop back
				// and keep waiting for the timer or a real signal.
			}
		}
	}
}

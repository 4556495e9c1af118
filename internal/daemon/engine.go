package daemon

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"streamvis/internal/blended"
	"streamvis/internal/cadence"
	"streamvis/internal/clock"
	"streamvis/internal/community"
	"streamvis/internal/domain"
	"streamvis/internal/httpclient"
	"streamvis/internal/latency"
	"streamvis/internal/observability"
	"streamvis/internal/overlay"
	"streamvis/internal/pollloop"
	"streamvis/internal/predictor"
	"streamvis/internal/registry"
	"streamvis/internal/scheduler"
	"streamvis/internal/state"
	"streamvis/internal/upstream"
)

const (
	legacyBaseURL = "https://waterservices.usgs.gov/nwis/iv/"
	modernBaseURL = "https://api.waterdata.usgs.gov/ogcapi/v0/collections/observations/items"
)

// Daemon bundles everything Build wires together: the running engine, its
// state store, and the optional supplement components a caller (the CLI's
// run() or the HTTP API) may need direct access to.
type Daemon struct {
	Engine  *pollloop.Engine
	Store   domain.StateStore
	Overlay *overlay.Store // nil unless cfg.Overlay.ForecastBase is set
	Metrics *observability.Metrics
	Gauges  map[string]domain.Gauge
}

// Close releases resources Build opened outside of the Engine/Store
// themselves (presently just the overlay database, if one was opened).
func (d *Daemon) Close() error {
	if d.Overlay != nil {
		return d.Overlay.Close()
	}
	return nil
}

// Build wires the full component stack — store, adapters, blended
// backend, learners, predictor, scheduler — into a running
// pollloop.Engine, using cfg and the given gauge registry.
func Build(cfg Config, reg *registry.Manager) (*Daemon, error) {
	apiBackend := domain.Backend(cfg.Backend.APIBackend)
	if !apiBackend.Valid() {
		return nil, fmt.Errorf("daemon: %w: %q", domain.ErrUnknownBackend, cfg.Backend.APIBackend)
	}

	clk := clock.System{}

	if err := state.EnsureDir(cfg.State.FilePath); err != nil {
		return nil, fmt.Errorf("daemon: preparing state directory: %w", err)
	}
	store := state.New(cfg.State.FilePath, clk)

	hc := httpclient.New(httpclient.DefaultTimeout, 15*time.Second, 4)
	legacyClient := upstream.NewLegacy(legacyBaseURL, hc)
	modernClient := upstream.NewModern(modernBaseURL, hc)

	backend := blended.New(blended.DefaultConfig(), clk, legacyClient, modernClient, apiBackend)

	cadenceLearner := cadence.New(cadence.DefaultConfig())
	latencyEstimator := latency.New(latency.DefaultConfig())
	pred := predictor.New(predictor.DefaultConfig())
	sched := scheduler.New(scheduler.Config{
		MinRetrySeconds: cfg.Scheduler.MinRetrySeconds,
		MaxRetrySeconds: cfg.Scheduler.MaxRetrySeconds,
	})

	gauges := reg.Snapshot()

	engine := pollloop.New(
		pollloop.Config{MinRetrySeconds: cfg.Scheduler.MinRetrySeconds, BackfillHours: cfg.Scheduler.BackfillHours},
		clk,
		backend,
		cadenceLearner,
		latencyEstimator,
		pred,
		sched,
		store,
		gauges,
	)

	engine.SetBackfiller(legacyClient)

	d := &Daemon{Engine: engine, Store: store, Gauges: gauges}

	d.Metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	engine.SetMetrics(d.Metrics)

	if cfg.Overlay.ForecastBase != "" {
		overlayCfg := overlay.Config{
			URLTemplate: cfg.Overlay.ForecastBase,
			Horizon:     time.Duration(cfg.Overlay.ForecastHours) * time.Hour,
		}
		overlayStore, err := overlay.Open(overlayCfg, clk, hc, overlayDBPath(cfg.State.FilePath))
		if err != nil {
			return nil, fmt.Errorf("daemon: opening overlay store: %w", err)
		}
		d.Overlay = overlayStore
		engine.SetOverlay(overlayStore)
	}

	communityAggregator := community.New(community.Config{
		BaseURL: cfg.Community.BaseURL,
		Publish: cfg.Community.Publish,
	}, clk, hc)
	engine.SetCommunity(communityAggregator)

	return d, nil
}

// overlayDBPath derives the overlay SQLite file path from the state
// document's own path, keeping both files side by side.
func overlayDBPath(stateFilePath string) string {
	if strings.HasSuffix(stateFilePath, ".json") {
		return strings.TrimSuffix(stateFilePath, ".json") + ".overlay.db"
	}
	return stateFilePath + ".overlay.db"
}

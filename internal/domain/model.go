// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring — it depends on nothing but the standard library.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ─── Gauge Catalog ──────────────────────────────────────────────────────────

// Gauge identifies a single physical measurement station.
type Gauge struct {
	ID      string  `json:"gauge_id" yaml:"id"`
	SiteNo  string  `json:"site_no" yaml:"site_no"`
	Name    string  `json:"name" yaml:"name"`
	Lat     float64 `json:"lat,omitempty" yaml:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty" yaml:"lon,omitempty"`
	Dynamic bool    `json:"dynamic" yaml:"-"`
}

// ─── Observations ───────────────────────────────────────────────────────────

// Observation is a single reported (timestamp, stage, flow) tuple.
type Observation struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     *float64  `json:"stage"`
	Flow      *float64  `json:"flow"`
}

// GaugeReading is what an upstream adapter returns for one gauge: the most
// recent observation it could find for that gauge's site number.
type GaugeReading struct {
	ObservedAt time.Time
	Stage      *float64
	Flow       *float64
}

// ─── Backend Variants ───────────────────────────────────────────────────────

// Backend identifies which upstream protocol produced (or should produce) a
// reading.
type Backend string

const (
	BackendBlended Backend = "blended"
	BackendLegacy  Backend = "legacy"
	BackendModern  Backend = "modern"
)

func (b Backend) Valid() bool {
	switch b {
	case BackendBlended, BackendLegacy, BackendModern:
		return true
	default:
		return false
	}
}

// ─── Fetch Outcome ──────────────────────────────────────────────────────────

// FetchStatus classifies the result of one upstream dispatch.
type FetchStatus int

const (
	FetchOK FetchStatus = iota
	FetchTransportErr
	FetchSchemaErr
)

func (s FetchStatus) String() string {
	switch s {
	case FetchOK:
		return "ok"
	case FetchTransportErr:
		return "transport_err"
	case FetchSchemaErr:
		return "schema_err"
	default:
		return "unknown"
	}
}

// ─── Gauge State ────────────────────────────────────────────────────────────

// HistoryPoint is one entry in a gauge's bounded observation history.
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     *float64  `json:"stage"`
	Flow      *float64  `json:"flow"`
}

// HistoryCap bounds both the observation history and the latency sample
// sequence per gauge.
const HistoryCap = 120

// GaugeState is the persisted per-gauge document.
type GaugeState struct {
	LastTimestamp *time.Time `json:"last_timestamp"`
	LastStage     *float64   `json:"last_stage"`
	LastFlow      *float64   `json:"last_flow"`

	MeanIntervalSec float64  `json:"mean_interval_sec"`
	CadenceMult     *int     `json:"cadence_mult"`
	CadenceFit      float64  `json:"cadence_fit"`
	PhaseOffsetSec  *float64 `json:"phase_offset_sec"`

	LatencyLocSec   float64    `json:"latency_loc_sec"`
	LatencyScaleSec float64    `json:"latency_scale_sec"`
	LatencyWindow   *[2]float64 `json:"latency_window"`
	LatencySamples  []float64  `json:"latency_samples"`

	NoUpdatePolls      int       `json:"no_update_polls"`
	PollsPerUpdateEWMA float64   `json:"polls_per_update_ewma"`
	LastPollTS         time.Time `json:"last_poll_ts"`

	History []HistoryPoint `json:"history"`

	NextETA *time.Time `json:"next_eta"`

	// RecentDeltas is the last <=24 raw inter-update deltas, in seconds,
	// used by the cadence learner's grid-fit search. Persisted so
	// cadence_mult/cadence_fit stay recomputable across restarts.
	RecentDeltas []float64 `json:"recent_deltas_sec,omitempty"`
}

// NewGaugeState returns the default state for a never-before-seen gauge.
func NewGaugeState() *GaugeState {
	return &GaugeState{
		MeanIntervalSec: 3600,
		LatencyLocSec:   600,
		LatencyScaleSec: 100,
	}
}

// ─── Backend Stats ──────────────────────────────────────────────────────────

// BackendStats is the EWMA latency/variance tracker for one upstream
// backend, persisted under Meta.BackendStats.
type BackendStats struct {
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	VarianceMs2   float64 `json:"variance_ms2"`
	Samples       int64   `json:"samples"`
}

// ─── Meta ───────────────────────────────────────────────────────────────────

// Meta is the process-wide section of the state document.
type Meta struct {
	StateVersion   int        `json:"state_version"`
	BackfillHours  int        `json:"backfill_hours"`
	LastFetchAt    *time.Time `json:"last_fetch_at"`
	LastSuccessAt  *time.Time `json:"last_success_at"`
	LastFailureAt  *time.Time `json:"last_failure_at"`
	NextPollAt     *time.Time `json:"next_poll_at"`
	APIBackend     Backend    `json:"api_backend"`
	LastBackendUsed Backend   `json:"last_backend_used"`

	BackendStats map[Backend]*BackendStats `json:"backend_stats"`

	// LoadError records a load-time normalization/repair note. Never fatal.
	LoadError string `json:"load_error,omitempty"`
}

// CurrentStateVersion is the schema version this build writes.
const CurrentStateVersion = 1

// NewMeta returns default process-wide state.
func NewMeta() Meta {
	return Meta{
		StateVersion:  CurrentStateVersion,
		BackfillHours: 6,
		APIBackend:    BackendBlended,
		BackendStats: map[Backend]*BackendStats{
			BackendLegacy: {},
			BackendModern: {},
		},
	}
}

// ─── Overlay ─────────────────────────────────────────────────────────────────

// OverlayPoint is one forecast/cross-check sample.
type OverlayPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     *float64  `json:"stage"`
	Flow      *float64  `json:"flow"`
}

// OverlaySummary is the derived read-time summary of an overlay series.
type OverlaySummary struct {
	MaxStage3h    *float64       `json:"max_stage_3h"`
	MaxFlow3h     *float64       `json:"max_flow_3h"`
	MaxStage24h   *float64       `json:"max_stage_24h"`
	MaxFlow24h    *float64       `json:"max_flow_24h"`
	MaxStageFull  *float64       `json:"max_stage_full"`
	MaxFlowFull   *float64       `json:"max_flow_full"`
	AmplitudeBias *float64       `json:"amplitude_bias"`
	AmplitudeRatio *float64      `json:"amplitude_ratio"`
	PeakTimeOffset *time.Duration `json:"peak_time_offset"`
}

// OverlaySection is one gauge's entry under the state document's top-level
// "forecast"/"nwrfc" keys: the trimmed point series plus its derived
// summary, assembled read-time by whatever holds the overlay.Store (the
// JSON state document itself only carries observed telemetry; overlay
// points live in their own SQLite file and are merged in here for
// consumers of the document contract).
type OverlaySection struct {
	Points  []OverlayPoint `json:"points"`
	Summary OverlaySummary `json:"summary"`
}

// ─── Document ────────────────────────────────────────────────────────────────

// State is the full persisted/served document. Its wire shape is flat:
// "meta", one key per gauge_id, and the optional "forecast" / "nwrfc"
// sections — not a nested "gauges" map. MarshalJSON/UnmarshalJSON
// below do that flattening; Gauges/Forecast/Nwrfc stay ordinary Go maps for
// every other piece of code in this tree to use directly.
type State struct {
	Meta     Meta
	Gauges   map[string]*GaugeState
	Forecast map[string]*OverlaySection
	Nwrfc    map[string]*OverlaySection
}

// NewState returns a fresh document with defaults and no gauges.
func NewState() *State {
	return &State{
		Meta:   NewMeta(),
		Gauges: make(map[string]*GaugeState),
	}
}

// reservedStateKeys are the top-level keys that are never gauge_ids.
var reservedStateKeys = map[string]bool{"meta": true, "forecast": true, "nwrfc": true}

func (s State) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.Gauges)+3)

	metaRaw, err := json.Marshal(s.Meta)
	if err != nil {
		return nil, fmt.Errorf("domain: marshaling meta: %w", err)
	}
	out["meta"] = metaRaw

	for id, gs := range s.Gauges {
		if reservedStateKeys[id] {
			continue // a gauge_id colliding with a reserved key is dropped rather than corrupting the document
		}
		raw, err := json.Marshal(gs)
		if err != nil {
			return nil, fmt.Errorf("domain: marshaling gauge %q: %w", id, err)
		}
		out[id] = raw
	}

	if len(s.Forecast) > 0 {
		raw, err := json.Marshal(s.Forecast)
		if err != nil {
			return nil, fmt.Errorf("domain: marshaling forecast: %w", err)
		}
		out["forecast"] = raw
	}
	if len(s.Nwrfc) > 0 {
		raw, err := json.Marshal(s.Nwrfc)
		if err != nil {
			return nil, fmt.Errorf("domain: marshaling nwrfc: %w", err)
		}
		out["nwrfc"] = raw
	}
	return json.Marshal(out)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Gauges = make(map[string]*GaugeState, len(raw))
	for key, v := range raw {
		switch key {
		case "meta":
			if err := json.Unmarshal(v, &s.Meta); err != nil {
				return fmt.Errorf("domain: unmarshaling meta: %w", err)
			}
		case "forecast":
			var f map[string]*OverlaySection
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("domain: unmarshaling forecast: %w", err)
			}
			s.Forecast = f
		case "nwrfc":
			var n map[string]*OverlaySection
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("domain: unmarshaling nwrfc: %w", err)
			}
			s.Nwrfc = n
		default:
			var gs GaugeState
			if err := json.Unmarshal(v, &gs); err != nil {
				return fmt.Errorf("domain: unmarshaling gauge %q: %w", key, err)
			}
			s.Gauges[key] = &gs
		}
	}
	return nil
}

// GaugeOrNew returns the existing state for id, creating and registering a
// default one if absent.
func (s *State) GaugeOrNew(id string) *GaugeState {
	if gs, ok := s.Gauges[id]; ok {
		return gs
	}
	gs := NewGaugeState()
	s.Gauges[id] = gs
	return gs
}

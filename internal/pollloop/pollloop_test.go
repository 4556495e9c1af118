package pollloop

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"streamvis/internal/cadence"
	"streamvis/internal/clock"
	"streamvis/internal/domain"
	"streamvis/internal/latency"
	"streamvis/internal/predictor"
	"streamvis/internal/scheduler"
	"streamvis/internal/state"
)

// scriptedDispatcher replays a fixed sequence of readings, one per call to
// Dispatch, so a test can drive a deterministic multi-cycle scenario.
type scriptedDispatcher struct {
	responses []map[string]domain.GaugeReading
	i         int
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, siteNos []string, st *domain.State) (map[string]domain.GaugeReading, domain.Backend, error) {
	if d.i >= len(d.responses) {
		return map[string]domain.GaugeReading{}, domain.BackendLegacy, nil
	}
	r := d.responses[d.i]
	d.i++
	return r, domain.BackendLegacy, nil
}

func newEngine(t *testing.T, disp Dispatcher, clk clock.Clock) (*Engine, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	store := state.New(filepath.Join(dir, "state.json"), clk)

	gauges := map[string]domain.Gauge{
		"g1": {ID: "g1", SiteNo: "site1", Name: "Test Gauge"},
	}
	e := New(
		DefaultConfig(),
		clk,
		disp,
		cadence.New(cadence.DefaultConfig()),
		latency.New(latency.DefaultConfig()),
		predictor.New(predictor.DefaultConfig()),
		scheduler.New(scheduler.DefaultConfig()),
		store,
		gauges,
	)
	return e, store
}

func TestRunOnce_PartialReadPreservesLastNonNull_Scenario4(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(base)

	stage1, flow1 := 12.3, 4200.0
	first := map[string]domain.GaugeReading{"site1": {ObservedAt: base, Stage: &stage1, Flow: &flow1}}

	clk2 := clk
	flow2 := 4300.0
	second := map[string]domain.GaugeReading{"site1": {ObservedAt: base, Stage: nil, Flow: &flow2}}

	disp := &scriptedDispatcher{responses: []map[string]domain.GaugeReading{first, second}}
	e, _ := newEngine(t, disp, clk2)

	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	st, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}

	gs := st.Gauges["g1"]
	if gs.LastStage == nil || *gs.LastStage != 12.3 {
		t.Fatalf("expected last_stage to remain 12.3, got %v", gs.LastStage)
	}
	if gs.LastFlow == nil || *gs.LastFlow != 4300 {
		t.Fatalf("expected last_flow to become 4300, got %v", gs.LastFlow)
	}
	if len(gs.History) != 1 {
		t.Fatalf("expected history to stay at length 1 (in-place update), got %d", len(gs.History))
	}
	if gs.History[0].Flow == nil || *gs.History[0].Flow != 4300 {
		t.Fatalf("expected history's last entry updated in place, got %v", gs.History[0].Flow)
	}
}

func TestRunOnce_HistoryStrictlyAscendingAndDeduped(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(base)

	stage := 10.0
	r1 := map[string]domain.GaugeReading{"site1": {ObservedAt: base, Stage: &stage}}
	r2 := map[string]domain.GaugeReading{"site1": {ObservedAt: base.Add(900 * time.Second), Stage: &stage}}
	r3 := map[string]domain.GaugeReading{"site1": {ObservedAt: base.Add(1800 * time.Second), Stage: &stage}}

	disp := &scriptedDispatcher{responses: []map[string]domain.GaugeReading{r1, r2, r3}}
	e, _ := newEngine(t, disp, clk)

	var st *domain.State
	for i := 0; i < 3; i++ {
		var err error
		st, err = e.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce #%d: %v", i, err)
		}
		clk.Advance(900 * time.Second)
	}

	gs := st.Gauges["g1"]
	if len(gs.History) != 3 {
		t.Fatalf("expected 3 distinct history entries, got %d", len(gs.History))
	}
	for i := 1; i < len(gs.History); i++ {
		if !gs.History[i-1].Timestamp.Before(gs.History[i].Timestamp) {
			t.Fatalf("history not strictly ascending at index %d", i)
		}
	}
}

// fakeBackfiller returns a fixed historical series for every site asked.
type fakeBackfiller struct {
	series map[string][]domain.Observation
	calls  int
}

func (f *fakeBackfiller) FetchHistory(ctx context.Context, siteNos []string, window time.Duration) (map[string][]domain.Observation, error) {
	f.calls++
	return f.series, nil
}

func TestRunOnce_BackfillSeedsHistoryAndCadence(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(base.Add(4 * 900 * time.Second))

	stage := 3.0
	var obs []domain.Observation
	for i := 0; i < 4; i++ {
		obs = append(obs, domain.Observation{Timestamp: base.Add(time.Duration(i) * 900 * time.Second), Stage: &stage})
	}
	bf := &fakeBackfiller{series: map[string][]domain.Observation{"site1": obs}}

	disp := &scriptedDispatcher{}
	e, _ := newEngine(t, disp, clk)
	e.SetBackfiller(bf)

	st, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	gs := st.Gauges["g1"]
	if len(gs.History) != 4 {
		t.Fatalf("expected 4 backfilled history entries, got %d", len(gs.History))
	}
	if gs.CadenceMult == nil || *gs.CadenceMult != 1 {
		t.Fatalf("expected backfill to anchor cadence_mult=1, got %v", gs.CadenceMult)
	}
	if st.Meta.BackfillHours != e.cfg.BackfillHours {
		t.Fatalf("expected meta.backfill_hours recorded as %d, got %d", e.cfg.BackfillHours, st.Meta.BackfillHours)
	}

	// A second cycle inside the refresh interval must not refetch.
	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if bf.calls != 1 {
		t.Fatalf("expected exactly one backfill inside the refresh interval, got %d", bf.calls)
	}
}

func TestRunOnce_NoUpdatePollsIncrementsOnRepeat(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(base)
	stage := 10.0
	same := map[string]domain.GaugeReading{"site1": {ObservedAt: base, Stage: &stage}}

	disp := &scriptedDispatcher{responses: []map[string]domain.GaugeReading{same, same, same}}
	e, _ := newEngine(t, disp, clk)

	var st *domain.State
	for i := 0; i < 3; i++ {
		var err error
		st, err = e.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce #%d: %v", i, err)
		}
	}

	gs := st.Gauges["g1"]
	if gs.NoUpdatePolls != 2 {
		t.Fatalf("expected no_update_polls = 2 after first ingest + 2 repeats, got %d", gs.NoUpdatePolls)
	}
}

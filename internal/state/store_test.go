package state

import (
	"path/filepath"
	"testing"
	"time"

	"streamvis/internal/clock"
	"streamvis/internal/domain"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	s := New(path, clk)
	if err := s.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer s.Unlock()

	st := domain.NewState()
	ts := clk.Now().Add(-15 * time.Minute)
	stage, flow := 12.3, 4200.0
	gs := st.GaugeOrNew("g1")
	gs.LastTimestamp = &ts
	gs.LastStage = &stage
	gs.LastFlow = &flow
	gs.History = append(gs.History, domain.HistoryPoint{Timestamp: ts, Stage: &stage, Flow: &flow})

	if err := s.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	gs2, ok := reloaded.Gauges["g1"]
	if !ok {
		t.Fatalf("expected gauge g1 to round-trip")
	}
	if gs2.LastStage == nil || *gs2.LastStage != 12.3 {
		t.Fatalf("expected last_stage to round-trip, got %v", gs2.LastStage)
	}
	if gs2.LastTimestamp == nil || !gs2.LastTimestamp.Equal(ts) {
		t.Fatalf("expected last_timestamp to round-trip, got %v", gs2.LastTimestamp)
	}
}

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "absent.json")
	clk := clock.NewFake(time.Now())

	s := New(path, clk)
	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load on missing file must not error: %v", err)
	}
	if len(st.Gauges) != 0 {
		t.Fatalf("expected a fresh empty document")
	}
}

func TestSave_FailsWithoutLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	clk := clock.NewFake(time.Now())

	s := New(path, clk)
	if err := s.Save(domain.NewState()); err != domain.ErrLockNotHeld {
		t.Fatalf("expected ErrLockNotHeld, got %v", err)
	}
}

func TestNormalize_DedupesAndSortsHistory(t *testing.T) {
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	gs := domain.NewGaugeState()
	t1 := now.Add(-2 * time.Hour)
	t2 := now.Add(-1 * time.Hour)
	stageOld, stageNew := 1.0, 2.0

	gs.History = []domain.HistoryPoint{
		{Timestamp: t2, Stage: &stageNew},
		{Timestamp: t1, Stage: &stageOld},
		{Timestamp: t2, Stage: &stageNew}, // duplicate timestamp
	}
	st := &domain.State{Meta: domain.NewMeta(), Gauges: map[string]*domain.GaugeState{"g1": gs}}

	normalize(st, now)

	if len(gs.History) != 2 {
		t.Fatalf("expected deduped history of length 2, got %d", len(gs.History))
	}
	if !gs.History[0].Timestamp.Before(gs.History[1].Timestamp) {
		t.Fatalf("expected ascending history order")
	}
	if gs.LastTimestamp == nil || !gs.LastTimestamp.Equal(t2) {
		t.Fatalf("expected last_timestamp realigned to latest history entry")
	}
}

func TestNormalize_ClampsMeanInterval(t *testing.T) {
	gs := domain.NewGaugeState()
	gs.MeanIntervalSec = 100000
	st := &domain.State{Meta: domain.NewMeta(), Gauges: map[string]*domain.GaugeState{"g1": gs}}
	normalize(st, time.Now())

	if gs.MeanIntervalSec > maxMeanInterval.Seconds() {
		t.Fatalf("expected mean_interval_sec clamped to max, got %f", gs.MeanIntervalSec)
	}
}

func TestNormalize_DropsIncoherentCadence(t *testing.T) {
	gs := domain.NewGaugeState()
	k := 50 // out of [1,24] range
	gs.CadenceMult = &k
	gs.CadenceFit = 0.9
	st := &domain.State{Meta: domain.NewMeta(), Gauges: map[string]*domain.GaugeState{"g1": gs}}
	normalize(st, time.Now())

	if gs.CadenceMult != nil {
		t.Fatalf("expected incoherent cadence_mult to be dropped")
	}
}

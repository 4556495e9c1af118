package cadence

import (
	"testing"
	"time"

	"streamvis/internal/domain"
)

func TestObserve_GridSnap_15Minute(t *testing.T) {
	l := New(DefaultConfig())
	gs := domain.NewGaugeState()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	timestamps := []time.Time{base}
	t0 := base
	for i := 1; i <= 3; i++ {
		t1 := t0.Add(900 * time.Second)
		timestamps = append(timestamps, t1)
		l.Observe(gs, t0, t1, timestamps)
		t0 = t1
	}

	if gs.CadenceMult == nil {
		t.Fatalf("expected cadence_mult to be set after 3 consistent deltas")
	}
	if *gs.CadenceMult != 1 {
		t.Fatalf("expected cadence_mult = 1, got %d", *gs.CadenceMult)
	}
	if gs.CadenceFit < 0.6 {
		t.Fatalf("expected cadence_fit >= 0.6, got %f", gs.CadenceFit)
	}
}

func TestObserve_SubMinuteDeltaIgnored(t *testing.T) {
	l := New(DefaultConfig())
	gs := domain.NewGaugeState()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	before := gs.MeanIntervalSec
	l.Observe(gs, base, base.Add(30*time.Second), []time.Time{base, base.Add(30 * time.Second)})

	if len(gs.RecentDeltas) != 0 {
		t.Fatalf("sub-minute delta should not be recorded, got %v", gs.RecentDeltas)
	}
	if gs.MeanIntervalSec != before {
		t.Fatalf("mean_interval_sec should be untouched by a sub-minute delta")
	}
}

func TestObserve_SlowGaugeSnapUp(t *testing.T) {
	l := New(DefaultConfig())
	gs := domain.NewGaugeState()
	gs.MeanIntervalSec = 900 // clamp floor stands in for a stale 8-minute prior

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t0 := base
	var ts []time.Time
	for i := 0; i < 4; i++ {
		t1 := t0.Add(3600 * time.Second)
		ts = append(ts, t1)
		l.Observe(gs, t0, t1, ts)
		t0 = t1
	}

	if gs.MeanIntervalSec < 3000 {
		t.Fatalf("expected mean_interval_sec >= 3000 after snap-up, got %f", gs.MeanIntervalSec)
	}
}

func TestFitGrid_RequiresThreshold(t *testing.T) {
	l := New(DefaultConfig())
	gs := domain.NewGaugeState()
	// Mix of inconsistent deltas: no k should reach 0.6 fit.
	gs.RecentDeltas = []float64{900, 1800, 2700, 5000, 6000}
	l.fitGrid(gs)
	if gs.CadenceMult != nil {
		t.Fatalf("expected no cadence_mult from inconsistent deltas, got %v", *gs.CadenceMult)
	}
}

func TestBiweightLocation_ConvergesNearMedianForTightCluster(t *testing.T) {
	xs := []float64{598, 600, 602, 601, 599, 600}
	loc := biweightLocation(xs, biweightC)
	if loc < 595 || loc > 605 {
		t.Fatalf("expected biweight location near the cluster, got %f", loc)
	}
}

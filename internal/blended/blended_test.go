package blended

import (
	"context"
	"testing"
	"time"

	"streamvis/internal/clock"
	"streamvis/internal/domain"
)

// fakeClient is a deterministic stand-in for an upstream.Legacy/Modern
// client: it sleeps for a fixed latency then returns a fixed reading.
type fakeClient struct {
	name    domain.Backend
	latency time.Duration
	err     error
	stage   float64

	lastModifiedSince *time.Duration
}

func (f *fakeClient) Name() domain.Backend { return f.name }

func (f *fakeClient) Fetch(ctx context.Context, siteNos []string, modifiedSince *time.Duration) (map[string]domain.GaugeReading, error) {
	f.lastModifiedSince = modifiedSince
	time.Sleep(f.latency)
	if f.err != nil {
		return nil, f.err
	}
	stage := f.stage
	return map[string]domain.GaugeReading{"site1": {ObservedAt: time.Now().UTC(), Stage: &stage}}, nil
}

func TestDispatch_PreferredSelection_Scenario5(t *testing.T) {
	cfg := DefaultConfig()
	clk := clock.NewFake(time.Now())
	legacy := &fakeClient{name: domain.BackendLegacy}
	modern := &fakeClient{name: domain.BackendModern}
	b := New(cfg, clk, legacy, modern, domain.BackendBlended)

	meta := domain.NewMeta()
	meta.BackendStats[domain.BackendLegacy] = &domain.BackendStats{MeanLatencyMs: 350, Samples: 10}
	meta.BackendStats[domain.BackendModern] = &domain.BackendStats{MeanLatencyMs: 800, Samples: 10}
	meta.LastBackendUsed = domain.BackendLegacy

	if got := b.preferred(&meta); got != domain.BackendLegacy {
		t.Fatalf("expected legacy preferred with 350ms vs 800ms, got %s", got)
	}

	// After 20 polls each at 450ms: within 10% hysteresis, preferred stays legacy.
	meta.BackendStats[domain.BackendLegacy] = &domain.BackendStats{MeanLatencyMs: 450, Samples: 30}
	meta.BackendStats[domain.BackendModern] = &domain.BackendStats{MeanLatencyMs: 450, Samples: 30}
	if got := b.preferred(&meta); got != domain.BackendLegacy {
		t.Fatalf("expected legacy to stay preferred within hysteresis, got %s", got)
	}

	// modern = 380ms, legacy = 450ms: challenger beats incumbent by >10%, flips.
	meta.BackendStats[domain.BackendLegacy] = &domain.BackendStats{MeanLatencyMs: 450, Samples: 40}
	meta.BackendStats[domain.BackendModern] = &domain.BackendStats{MeanLatencyMs: 380, Samples: 40}
	if got := b.preferred(&meta); got != domain.BackendModern {
		t.Fatalf("expected preferred to flip to modern, got %s", got)
	}
}

func TestDispatch_ProbeModeRacesBoth(t *testing.T) {
	cfg := DefaultConfig()
	clk := clock.NewFake(time.Now())
	legacy := &fakeClient{name: domain.BackendLegacy, latency: 5 * time.Millisecond}
	modern := &fakeClient{name: domain.BackendModern, latency: 20 * time.Millisecond}
	b := New(cfg, clk, legacy, modern, domain.BackendBlended)

	st := domain.NewState()
	readings, winner, err := b.Dispatch(context.Background(), []string{"site1"}, st)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if winner != domain.BackendLegacy {
		t.Fatalf("expected legacy (faster) to win the probe race, got %s", winner)
	}
	if _, ok := readings["site1"]; !ok {
		t.Fatalf("expected a reading for site1")
	}
}

func TestDispatch_Passthrough_NeverCallsOtherAdapter(t *testing.T) {
	cfg := DefaultConfig()
	clk := clock.NewFake(time.Now())
	legacy := &fakeClient{name: domain.BackendLegacy}
	modern := &countingClient{fakeClient: fakeClient{name: domain.BackendModern}}
	b := New(cfg, clk, legacy, modern, domain.BackendLegacy)

	st := domain.NewState()
	if _, _, err := b.Dispatch(context.Background(), []string{"site1"}, st); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if modern.calls != 0 {
		t.Fatalf("expected the unused modern adapter to never be called, got %d calls", modern.calls)
	}
}

type countingClient struct {
	fakeClient
	calls int
}

func (c *countingClient) Fetch(ctx context.Context, siteNos []string, modifiedSince *time.Duration) (map[string]domain.GaugeReading, error) {
	c.calls++
	return c.fakeClient.Fetch(ctx, siteNos, modifiedSince)
}

// TestSteadyStateProbe_KeepsPreferredAuthoritative pins down the fix for
// the steady-state periodic probe: the non-preferred backend races in
// parallel purely to refresh its own stats, and must never override the
// preferred backend's reading or meta.LastBackendUsed, even when it
// answers first.
func TestSteadyStateProbe_KeepsPreferredAuthoritative(t *testing.T) {
	cfg := DefaultConfig()
	clk := clock.NewFake(time.Now())
	legacy := &fakeClient{name: domain.BackendLegacy, latency: 20 * time.Millisecond, stage: 1.0}
	modern := &fakeClient{name: domain.BackendModern, latency: 2 * time.Millisecond, stage: 2.0}
	b := New(cfg, clk, legacy, modern, domain.BackendBlended)

	meta := domain.NewMeta()
	meta.BackendStats[domain.BackendLegacy] = &domain.BackendStats{MeanLatencyMs: 100, Samples: 30}
	meta.BackendStats[domain.BackendModern] = &domain.BackendStats{MeanLatencyMs: 400, Samples: 30}
	meta.LastBackendUsed = domain.BackendLegacy

	readings, winner, err := b.steadyStateProbe(context.Background(), []string{"site1"}, &meta, domain.BackendLegacy, nil)
	if err != nil {
		t.Fatalf("steadyStateProbe: %v", err)
	}
	if winner != domain.BackendLegacy {
		t.Fatalf("expected preferred backend legacy to stay authoritative despite being slower, got %s", winner)
	}
	if got := *readings["site1"].Stage; got != 1.0 {
		t.Fatalf("expected legacy's reading (stage=1.0), got stage=%.1f (modern's)", got)
	}
	if meta.LastBackendUsed != domain.BackendLegacy {
		t.Fatalf("expected meta.LastBackendUsed to stay legacy, got %s", meta.LastBackendUsed)
	}
	if meta.BackendStats[domain.BackendModern].Samples != 31 {
		t.Fatalf("expected the probe to still refresh modern's sample count, got %d", meta.BackendStats[domain.BackendModern].Samples)
	}
}

func TestModifiedSinceFor_RequiresEveryGaugeSeenAndFastCadence(t *testing.T) {
	cfg := DefaultConfig()
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	b := New(cfg, clk, &fakeClient{name: domain.BackendLegacy}, &fakeClient{name: domain.BackendModern}, domain.BackendBlended)

	t.Run("no gauges tracked yet", func(t *testing.T) {
		st := domain.NewState()
		if d := b.modifiedSinceFor(st); d != nil {
			t.Fatalf("expected nil with no tracked gauges, got %v", *d)
		}
	})

	t.Run("a gauge never seen", func(t *testing.T) {
		st := domain.NewState()
		st.GaugeOrNew("g1").MeanIntervalSec = 900
		if d := b.modifiedSinceFor(st); d != nil {
			t.Fatalf("expected nil when a tracked gauge has no last_timestamp, got %v", *d)
		}
	})

	t.Run("a gauge with slow cadence", func(t *testing.T) {
		st := domain.NewState()
		ts := clk.Now().Add(-30 * time.Minute)
		gs := st.GaugeOrNew("g1")
		gs.LastTimestamp = &ts
		gs.MeanIntervalSec = 7200 // > 1h
		if d := b.modifiedSinceFor(st); d != nil {
			t.Fatalf("expected nil when a tracked gauge's cadence exceeds 1h, got %v", *d)
		}
	})

	t.Run("every gauge seen and within 1h cadence", func(t *testing.T) {
		st := domain.NewState()
		ts1 := clk.Now().Add(-30 * time.Minute)
		ts2 := clk.Now().Add(-90 * time.Minute)
		g1 := st.GaugeOrNew("g1")
		g1.LastTimestamp = &ts1
		g1.MeanIntervalSec = 900
		g2 := st.GaugeOrNew("g2")
		g2.LastTimestamp = &ts2
		g2.MeanIntervalSec = 1800

		d := b.modifiedSinceFor(st)
		if d == nil {
			t.Fatalf("expected a non-nil modifiedSince once every gauge qualifies")
		}
		if *d != 90*time.Minute {
			t.Fatalf("expected modifiedSince to cover the oldest last_timestamp (90m), got %v", *d)
		}
	})
}

func TestDispatch_PassesModifiedSinceToAdapter(t *testing.T) {
	cfg := DefaultConfig()
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	legacy := &fakeClient{name: domain.BackendLegacy}
	modern := &fakeClient{name: domain.BackendModern}
	b := New(cfg, clk, legacy, modern, domain.BackendLegacy)

	st := domain.NewState()
	ts := clk.Now().Add(-45 * time.Minute)
	gs := st.GaugeOrNew("g1")
	gs.LastTimestamp = &ts
	gs.MeanIntervalSec = 900

	if _, _, err := b.Dispatch(context.Background(), []string{"site1"}, st); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if legacy.lastModifiedSince == nil {
		t.Fatalf("expected the precondition to hold and modifiedSince to be passed through")
	}
	if *legacy.lastModifiedSince != 45*time.Minute {
		t.Fatalf("expected modifiedSince=45m, got %v", *legacy.lastModifiedSince)
	}
}

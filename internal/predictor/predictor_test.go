package predictor

import (
	"testing"
	"time"

	"streamvis/internal/domain"
)

func TestPredict_GridBased(t *testing.T) {
	p := New(DefaultConfig())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	gs := domain.NewGaugeState()
	gs.LastTimestamp = &base
	gs.MeanIntervalSec = 900
	k := 1
	gs.CadenceMult = &k
	phi := 0.0
	gs.PhaseOffsetSec = &phi
	gs.LatencyLocSec = 600
	gs.LatencyScaleSec = 30

	now := base.Add(10 * time.Minute)
	pred := p.Predict(gs, now)

	if !pred.NextObsAt.After(now) {
		t.Fatalf("expected predicted observation strictly after now, got %v vs now=%v", pred.NextObsAt, now)
	}
	wantObs := base.Add(15 * time.Minute)
	if pred.NextObsAt != wantObs {
		t.Fatalf("expected next obs at %v, got %v", wantObs, pred.NextObsAt)
	}
	wantAPI := wantObs.Add(600 * time.Second)
	if pred.NextAPIAt != wantAPI {
		t.Fatalf("expected next api-visible at %v, got %v", wantAPI, pred.NextAPIAt)
	}
	if pred.HalfWidth != 60*time.Second {
		t.Fatalf("expected half-width clamp(2*30, 45, 300) = 60s, got %v", pred.HalfWidth)
	}
}

func TestPredict_MeanIntervalFallback(t *testing.T) {
	p := New(DefaultConfig())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	gs := domain.NewGaugeState()
	gs.LastTimestamp = &base
	gs.MeanIntervalSec = 3600
	gs.LatencyLocSec = 600
	gs.LatencyScaleSec = 10 // clamps to the 45s floor

	now := base.Add(90 * time.Minute)
	pred := p.Predict(gs, now)

	wantObs := base.Add(2 * time.Hour)
	if pred.NextObsAt != wantObs {
		t.Fatalf("expected next obs at %v, got %v", wantObs, pred.NextObsAt)
	}
	if pred.HalfWidth != 45*time.Second {
		t.Fatalf("expected half-width floor of 45s, got %v", pred.HalfWidth)
	}
}

func TestPredict_NoLastTimestampYieldsZeroValue(t *testing.T) {
	p := New(DefaultConfig())
	gs := domain.NewGaugeState()
	pred := p.Predict(gs, time.Now())
	if !pred.NextObsAt.IsZero() || !pred.NextAPIAt.IsZero() {
		t.Fatalf("expected zero-value prediction with no last_timestamp")
	}
}

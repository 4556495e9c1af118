// Package state implements the durable JSON document store: load with
// normalization-on-read, atomic save via temp-file-plus-rename, and a
// sibling-file advisory lock guaranteeing a single writer.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"streamvis/internal/clock"
	"streamvis/internal/domain"
)

const (
	minMeanInterval = 900 * time.Second
	maxMeanInterval = 21600 * time.Second
	gridStep        = 900 * time.Second
	gridTolerance   = 180 * time.Second
)

// Store is the filesystem-backed implementation of domain.StateStore.
type Store struct {
	path  string
	clk   clock.Clock
	flock *flock.Flock
	held  bool
}

// New returns a Store rooted at path. path's directory must exist.
func New(path string, clk clock.Clock) *Store {
	return &Store{
		path:  path,
		clk:   clk,
		flock: flock.New(path + ".lock"),
	}
}

// Lock acquires the exclusive sibling-file lock. A second Store on the
// same path, in this process or another, gets domain.ErrLockHeld while the
// lock is held; calling Lock again on the Store that already holds it
// succeeds.
func (s *Store) Lock() error {
	ok, err := s.flock.TryLock()
	if err != nil {
		// Platforms without advisory-lock support report an error here;
		// fall back to best-effort single-writer-by-convention rather
		// than treating it as fatal, per the state store's documented
		// failure semantics.
		log.Printf("[state] advisory lock unavailable on this platform, proceeding by convention: %v", err)
		s.held = true
		return nil
	}
	if !ok {
		return domain.ErrLockHeld
	}
	s.held = true
	return nil
}

// Unlock releases the lock. Safe to call even if Lock was never called.
func (s *Store) Unlock() error {
	if !s.held {
		return nil
	}
	s.held = false
	return s.flock.Unlock()
}

// Load reads the JSON document at s.path. A missing file yields a fresh
// default document, not an error. A corrupt document is repaired: defaults
// override nonsense and a load-error note is recorded in Meta.LoadError,
// but Load itself never returns an error for corruption.
func (s *Store) Load() (*domain.State, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: reading %s: %w", s.path, err)
	}

	st := domain.NewState()
	if err := json.Unmarshal(raw, st); err != nil {
		log.Printf("[state] %s did not parse as JSON, resetting to defaults: %v", s.path, err)
		fresh := domain.NewState()
		fresh.Meta.LoadError = fmt.Sprintf("reset after parse error: %v", err)
		return fresh, nil
	}
	if st.Gauges == nil {
		st.Gauges = make(map[string]*domain.GaugeState)
	}
	normalize(st, s.clk.Now())
	return st, nil
}

// Save writes state to a temp file beside s.path and atomically renames it
// into place. Fails if the caller does not currently hold the lock.
func (s *Store) Save(st *domain.State) error {
	if !s.held {
		return domain.ErrLockNotHeld
	}
	buf, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshaling: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("state: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("state: renaming temp file into place: %w", err)
	}
	return nil
}

// normalize repairs load-time inconsistencies: dedupes and sorts history,
// realigns last_timestamp/last_stage/last_flow, clamps mean_interval_sec,
// and drops incoherent cadence_mult values.
func normalize(st *domain.State, now time.Time) {
	for _, gs := range st.Gauges {
		normalizeHistory(gs)
		clampMeanInterval(gs)
		dropIncoherentCadence(gs)
		normalizeNextETA(gs, now)
	}
}

func normalizeHistory(gs *domain.GaugeState) {
	if len(gs.History) == 0 {
		return
	}
	byTS := make(map[int64]domain.HistoryPoint, len(gs.History))
	for _, p := range gs.History {
		byTS[p.Timestamp.UnixNano()] = p // later duplicate wins: keep "latest values"
	}
	dedup := make([]domain.HistoryPoint, 0, len(byTS))
	for _, p := range byTS {
		dedup = append(dedup, p)
	}
	sort.Slice(dedup, func(i, j int) bool { return dedup[i].Timestamp.Before(dedup[j].Timestamp) })
	if len(dedup) > domain.HistoryCap {
		dedup = dedup[len(dedup)-domain.HistoryCap:]
	}
	gs.History = dedup

	last := dedup[len(dedup)-1]
	ts := last.Timestamp
	gs.LastTimestamp = &ts
	if last.Stage != nil {
		gs.LastStage = last.Stage
	}
	if last.Flow != nil {
		gs.LastFlow = last.Flow
	}
}

func clampMeanInterval(gs *domain.GaugeState) {
	sec := gs.MeanIntervalSec
	if sec <= 0 {
		sec = minMeanInterval.Seconds()
	}
	lo, hi := minMeanInterval.Seconds(), maxMeanInterval.Seconds()
	if sec < lo {
		sec = lo
	}
	if sec > hi {
		sec = hi
	}
	gs.MeanIntervalSec = sec
}

func dropIncoherentCadence(gs *domain.GaugeState) {
	if gs.CadenceMult == nil {
		return
	}
	k := *gs.CadenceMult
	if k < 1 || k > 24 || gs.CadenceFit < 0.6 {
		gs.CadenceMult = nil
		gs.CadenceFit = 0
		gs.PhaseOffsetSec = nil
		return
	}
	// Check most-recent deltas are within tolerance of k*900, when present.
	period := float64(k) * gridStep.Seconds()
	for _, d := range tailDeltas(gs.RecentDeltas, 3) {
		if absFloat(d-period) > gridTolerance.Seconds() {
			gs.CadenceMult = nil
			gs.CadenceFit = 0
			gs.PhaseOffsetSec = nil
			return
		}
	}
}

func normalizeNextETA(gs *domain.GaugeState, now time.Time) {
	if gs.NextETA != nil && !gs.NextETA.After(now) {
		nowCopy := now
		gs.NextETA = &nowCopy
	}
}

func tailDeltas(deltas []float64, n int) []float64 {
	if len(deltas) <= n {
		return deltas
	}
	return deltas[len(deltas)-n:]
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// EnsureDir creates the parent directory of path if missing.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0o755)
}

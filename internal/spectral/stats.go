package spectral

import (
	"sync"
	"time"
)

// FitStatsEntry records one fitted model's headline numbers, the unit the
// `GetKclStats` boundary operation aggregates over ("KCL" names the
// Koopman spectral learner).
type FitStatsEntry struct {
	FittedAt          time.Time
	ModeCount         int
	UnstableModeCount int
	MaxStabilityIndex float64
}

// StatsTracker accumulates a bounded history of fit outcomes.
type StatsTracker struct {
	mu      sync.Mutex
	entries []FitStatsEntry
	maxLen  int
}

// NewStatsTracker creates a tracker retaining at most maxLen entries.
func NewStatsTracker(maxLen int) *StatsTracker {
	if maxLen <= 0 {
		maxLen = 200
	}
	return &StatsTracker{maxLen: maxLen}
}

// Record stores the headline numbers from a freshly fitted model.
func (s *StatsTracker) Record(m *Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := FitStatsEntry{FittedAt: time.Now().UTC(), ModeCount: len(m.Modes)}
	for _, mode := range m.Modes {
		if !mode.Stable() {
			entry.UnstableModeCount++
		}
		if mode.StabilityIndex > entry.MaxStabilityIndex {
			entry.MaxStabilityIndex = mode.StabilityIndex
		}
	}
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.maxLen {
		s.entries = s.entries[len(s.entries)-s.maxLen:]
	}
}

// Summary is the aggregate `GetKclStats` result.
type Summary struct {
	FitsRecorded          int
	MeanModeCount         float64
	MeanUnstableModeCount float64
	MaxStabilityIndexSeen float64
}

// Summary aggregates every recorded fit.
func (s *StatsTracker) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out Summary
	out.FitsRecorded = len(s.entries)
	if out.FitsRecorded == 0 {
		return out
	}
	var modeSum, unstableSum float64
	for _, e := range s.entries {
		modeSum += float64(e.ModeCount)
		unstableSum += float64(e.UnstableModeCount)
		if e.MaxStabilityIndex > out.MaxStabilityIndexSeen {
			out.MaxStabilityIndexSeen = e.MaxStabilityIndex
		}
	}
	out.MeanModeCount = modeSum / float64(out.FitsRecorded)
	out.MeanUnstableModeCount = unstableSum / float64(out.FitsRecorded)
	return out
}

// Package trace implements the ordered activation-snapshot buffer that
// feeds the spectral learner.
package trace

import (
	"math"
	"sync"
	"time"

	"koopmem/internal/activation"
)

// Snapshot is one sample in an ActivationTrace.
type Snapshot struct {
	RelativeTime time.Duration
	Activation   *activation.ConceptActivation
	Transition   bool    // true when this snapshot marks a discontinuity
	Lyapunov     float64 // local Lyapunov estimate
}

// Trace is an ordered sequence of snapshots sampled at a fixed rate.
type Trace struct {
	SampleRate time.Duration
	Snapshots  []Snapshot
}

// Buffer accumulates traces produced by replay and external agents. It is
// owned by its producer until handed to the Learner, at which point the caller should treat the returned traces as
// read-only.
type Buffer struct {
	mu     sync.Mutex
	traces []Trace
	maxLen int
}

// NewBuffer creates a trace buffer that retains at most maxLen traces,
// dropping the oldest once full.
func NewBuffer(maxLen int) *Buffer {
	if maxLen <= 0 {
		maxLen = 256
	}
	return &Buffer{maxLen: maxLen}
}

// Append adds a trace to the buffer.
func (b *Buffer) Append(t Trace) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.traces = append(b.traces, t)
	if len(b.traces) > b.maxLen {
		b.traces = b.traces[len(b.traces)-b.maxLen:]
	}
}

// Drain returns and clears every buffered trace, handing ownership to the
// caller (typically the spectral learner).
func (b *Buffer) Drain() []Trace {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.traces
	b.traces = nil
	return out
}

// Len reports how many traces are currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.traces)
}

// BuildFromActivations is a convenience constructor used by the replay
// engine: it turns an ordered slice of activations sampled at a fixed rate
// into a Trace, estimating a crude local Lyapunov exponent from successive
// activation-distance growth.
func BuildFromActivations(acts []*activation.ConceptActivation, sampleRate time.Duration) Trace {
	snapshots := make([]Snapshot, len(acts))
	for i, a := range acts {
		lyap := 0.0
		if i > 0 {
			sim, err := activation.Similarity(acts[i-1], a)
			if err == nil {
				// Distance shrinking (similarity -> 1) implies a
				// contracting local dynamic; growing distance implies
				// local expansion. log of the "stretch factor" approximates
				// a discrete Lyapunov exponent.
				dist := 1 - sim
				if dist <= 0 {
					dist = 1e-9
				}
				lyap = math.Log(dist)
			}
		}
		snapshots[i] = Snapshot{
			RelativeTime: time.Duration(i) * sampleRate,
			Activation:   a,
			Transition:   i == 0,
			Lyapunov:     lyap,
		}
	}
	return Trace{SampleRate: sampleRate, Snapshots: snapshots}
}

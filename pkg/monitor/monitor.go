// Package monitor samples the pipeline's resource use and adaptively
// degrades or restores processing quality to keep it within budget.
// Resource pressure is an expected operating state here, never an error
// surfaced to the operator.
package monitor

import (
	"sync"
	"time"
)

// Sample is one point-in-time reading of the pipeline's health.
type Sample struct {
	CPUUsage    float64 // percent of the processing budget, 0..100+
	MemoryUsage float64 // percent of the configured budget
	LatencyMs   float64 // audio chunk turnaround
	FPS         float64 // compositor output rate
	At          time.Time
}

// Thresholds are the budget limits the optimizer defends.
type Thresholds struct {
	CPUPercent    float64
	MemoryPercent float64
	LatencyMs     float64
	MinFPS        float64
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercent:    80,
		MemoryPercent: 85,
		LatencyMs:     20,
		MinFPS:        30,
	}
}

// Window is a bounded rolling window of samples. Single writer; readers
// take copies. Samples are never persisted.
type Window struct {
	mu      sync.RWMutex
	samples []Sample
	next    int
	filled  bool
}

// NewWindow creates a window holding size samples.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{samples: make([]Sample, size)}
}

// Push adds a sample, evicting the oldest when full.
func (w *Window) Push(s Sample) {
	w.mu.Lock()
	w.samples[w.next] = s
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
	w.mu.Unlock()
}

// Len returns the number of samples currently held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.filled {
		return len(w.samples)
	}
	return w.next
}

// Latest returns the most recent sample, or a zero sample when empty.
func (w *Window) Latest() Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.next == 0 {
		if !w.filled {
			return Sample{}
		}
		return w.samples[len(w.samples)-1]
	}
	return w.samples[w.next-1]
}

// Snapshot returns the held samples oldest-first.
func (w *Window) Snapshot() []Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []Sample
	if w.filled {
		out = make([]Sample, 0, len(w.samples))
		out = append(out, w.samples[w.next:]...)
		out = append(out, w.samples[:w.next]...)
	} else {
		out = make([]Sample, w.next)
		copy(out, w.samples[:w.next])
	}
	return out
}

// Mean averages the held samples.
func (w *Window) Mean() Sample {
	samples := w.Snapshot()
	if len(samples) == 0 {
		return Sample{}
	}
	var m Sample
	for _, s := range samples {
		m.CPUUsage += s.CPUUsage
		m.MemoryUsage += s.MemoryUsage
		m.LatencyMs += s.LatencyMs
		m.FPS += s.FPS
	}
	n := float64(len(samples))
	m.CPUUsage /= n
	m.MemoryUsage /= n
	m.LatencyMs /= n
	m.FPS /= n
	m.At = samples[len(samples)-1].At
	return m
}

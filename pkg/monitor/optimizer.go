package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Actions are the quality knobs the optimizer may turn. Each reduce call
// reports whether a step was actually taken (false when already at the
// floor), and each restore reports whether anything was reverted.
//
// ReduceMemory evicts cached data and is not reversible; it has no
// restore counterpart.
type Actions interface {
	ReduceEffects() bool
	RestoreEffects() bool
	ReduceMemory() bool
	ReduceLatency() bool
	RestoreLatency() bool
	ReduceVideo() bool
	RestoreVideo() bool
}

type step int

const (
	stepEffects step = iota
	stepLatency
	stepVideo
)

// Optimizer watches a sample stream and applies at most one degradation
// step per sustained violation, restoring one step at a time once the
// load stays under budget for a cooldown period.
type Optimizer struct {
	window     *Window
	thresholds Thresholds
	actions    Actions
	log        *zap.Logger

	sustain  int // consecutive over-budget samples before acting
	cooldown int // consecutive in-budget samples before restoring

	overCount  int
	underCount int
	applied    []step // reversible degradations, in application order

	// depth mirrors len(applied) for readers on other goroutines.
	depth atomic.Int32
}

// OptimizerOption configures an Optimizer.
type OptimizerOption func(*Optimizer)

// WithSustain sets how many consecutive over-budget samples trigger a step.
func WithSustain(n int) OptimizerOption {
	return func(o *Optimizer) {
		if n > 0 {
			o.sustain = n
		}
	}
}

// WithCooldown sets how many consecutive in-budget samples allow a restore.
func WithCooldown(n int) OptimizerOption {
	return func(o *Optimizer) {
		if n > 0 {
			o.cooldown = n
		}
	}
}

// NewOptimizer creates an optimizer over the given window. A nil logger
// disables logging.
func NewOptimizer(window *Window, th Thresholds, actions Actions, log *zap.Logger, opts ...OptimizerOption) *Optimizer {
	if log == nil {
		log = zap.NewNop()
	}
	o := &Optimizer{
		window:     window,
		thresholds: th,
		actions:    actions,
		log:        log,
		sustain:    3,
		cooldown:   10,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Observe records a sample and evaluates the adaptive policy.
func (o *Optimizer) Observe(s Sample) {
	o.window.Push(s)

	if o.violated(s) {
		o.underCount = 0
		o.overCount++
		if o.overCount >= o.sustain {
			o.overCount = 0
			o.degrade(o.window.Mean())
		}
		return
	}

	o.overCount = 0
	o.underCount++
	if o.underCount >= o.cooldown {
		o.underCount = 0
		o.restore()
	}
}

// Degraded reports how many reversible degradation steps are in effect.
// Safe to call from any goroutine.
func (o *Optimizer) Degraded() int {
	return int(o.depth.Load())
}

func (o *Optimizer) violated(s Sample) bool {
	return s.CPUUsage > o.thresholds.CPUPercent ||
		s.MemoryUsage > o.thresholds.MemoryPercent ||
		s.LatencyMs > o.thresholds.LatencyMs ||
		(s.FPS > 0 && s.FPS < o.thresholds.MinFPS)
}

// degrade applies exactly one step, chosen by which budget the windowed
// mean exceeds. Memory pressure is handled by eviction and never pushed
// onto the restore stack. Latency over budget defers to the CPU step
// when the CPU is also over, since a smaller chunk raises per-chunk
// overhead.
func (o *Optimizer) degrade(mean Sample) {
	switch {
	case mean.MemoryUsage > o.thresholds.MemoryPercent:
		if o.actions.ReduceMemory() {
			o.log.Warn("memory over budget, evicted cached buffers",
				zap.Float64("memory_pct", mean.MemoryUsage))
		}
	case mean.CPUUsage > o.thresholds.CPUPercent:
		if o.actions.ReduceEffects() {
			o.applied = append(o.applied, stepEffects)
			o.depth.Store(int32(len(o.applied)))
			o.log.Warn("cpu over budget, disabled an effect unit",
				zap.Float64("cpu_pct", mean.CPUUsage))
		}
	case mean.LatencyMs > o.thresholds.LatencyMs:
		if o.actions.ReduceLatency() {
			o.applied = append(o.applied, stepLatency)
			o.depth.Store(int32(len(o.applied)))
			o.log.Warn("latency over budget, shrunk chunk size",
				zap.Float64("latency_ms", mean.LatencyMs))
		}
	case mean.FPS > 0 && mean.FPS < o.thresholds.MinFPS:
		if o.actions.ReduceVideo() {
			o.applied = append(o.applied, stepVideo)
			o.depth.Store(int32(len(o.applied)))
			o.log.Warn("fps under budget, reduced video quality",
				zap.Float64("fps", mean.FPS))
		}
	}
}

// restore reverts the most recent reversible step.
func (o *Optimizer) restore() {
	if len(o.applied) == 0 {
		return
	}
	last := o.applied[len(o.applied)-1]
	var ok bool
	switch last {
	case stepEffects:
		ok = o.actions.RestoreEffects()
	case stepLatency:
		ok = o.actions.RestoreLatency()
	case stepVideo:
		ok = o.actions.RestoreVideo()
	}
	o.applied = o.applied[:len(o.applied)-1]
	o.depth.Store(int32(len(o.applied)))
	if ok {
		o.log.Info("load back in budget, restored a quality step")
	}
}

// Run samples via probe at the given interval until ctx is done.
func (o *Optimizer) Run(ctx context.Context, interval time.Duration, probe func() Sample) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Observe(probe())
		}
	}
}

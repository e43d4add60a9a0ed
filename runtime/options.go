package runtime

import (
	"time"

	"github.com/dipeo/dipeo-engine/emit"
	"github.com/dipeo/dipeo-engine/usage"
)

// Options configures an Engine. The zero value is usable; New fills in
// documented defaults for any unset field.
type Options struct {
	// MaxConcurrentNodes bounds the worker pool; default = runtime.NumCPU().
	MaxConcurrentNodes int
	// DefaultMaxIteration is the per-node loop-safety cap used when a node
	// declares no explicit maxIteration; default 100.
	DefaultMaxIteration int
	// DefaultNodeTimeout is the deadline applied to every handler
	// invocation; zero means no deadline. Nodes carry no timeout setting of
	// their own.
	DefaultNodeTimeout time.Duration
	// MaxSteps is the global node-execution step cap; default 10,000, per
	// spec §4.7.6.
	MaxSteps int
	// CancellationGrace is how long the scheduler waits for a handler to
	// honor cancellation before abandoning its result; default 30s.
	CancellationGrace time.Duration
	// FailFast resolves spec.md's open question on isolated node failure:
	// when true, any FAILED node ends the run FAILED immediately; when
	// false (default), the run only ends FAILED if no ENDPOINT is
	// reachable.
	FailFast bool

	Pipeline     *emit.Pipeline
	Metrics      *PrometheusMetrics
	UsageTracker *usage.Tracker
}

// Option is a functional option mutating an Options value.
type Option func(*Options)

// WithMaxConcurrent sets the worker pool bound.
func WithMaxConcurrent(n int) Option {
	return func(o *Options) { o.MaxConcurrentNodes = n }
}

// WithDefaultMaxIteration sets the loop-safety cap used when a node
// declares no explicit maxIteration.
func WithDefaultMaxIteration(n int) Option {
	return func(o *Options) { o.DefaultMaxIteration = n }
}

// WithDefaultNodeTimeout sets the deadline applied to every handler
// invocation.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(o *Options) { o.DefaultNodeTimeout = d }
}

// WithMaxSteps sets the global node-execution step cap.
func WithMaxSteps(n int) Option {
	return func(o *Options) { o.MaxSteps = n }
}

// WithCancellationGrace sets how long the scheduler waits for a handler to
// honor cancellation before abandoning its result.
func WithCancellationGrace(d time.Duration) Option {
	return func(o *Options) { o.CancellationGrace = d }
}

// WithFailFast sets the isolated-failure run-ending policy.
func WithFailFast(enabled bool) Option {
	return func(o *Options) { o.FailFast = enabled }
}

// WithPipeline sets the Event Pipeline used to publish lifecycle events.
func WithPipeline(p *emit.Pipeline) Option {
	return func(o *Options) { o.Pipeline = p }
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithUsageTracker stores a usage.Tracker on Options. The engine itself
// does not read it; PERSON_JOB usage is recorded through the Tracker field
// of handlers.PersonJob.
func WithUsageTracker(t *usage.Tracker) Option {
	return func(o *Options) { o.UsageTracker = t }
}

func (o Options) withDefaults(numCPU int) Options {
	if o.MaxConcurrentNodes <= 0 {
		o.MaxConcurrentNodes = numCPU
	}
	if o.DefaultMaxIteration <= 0 {
		o.DefaultMaxIteration = 100
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = 10_000
	}
	if o.CancellationGrace <= 0 {
		o.CancellationGrace = 30 * time.Second
	}
	if o.Pipeline == nil {
		o.Pipeline = emit.NewPipeline()
	}
	return o
}

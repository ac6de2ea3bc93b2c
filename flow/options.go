package flow

import (
	"context"
	"time"

	"github.com/dshills/flowrun-go/flow/emit"
	"github.com/dshills/flowrun-go/flow/knowledge"
)

// Option configures an Engine at construction time.
type Option func(*Engine) error

// WithKnowledge attaches the knowledge service used by retrieval
// orchestration. Without one, any node that opts into retrieval fails.
func WithKnowledge(svc knowledge.Service) Option {
	return func(e *Engine) error {
		e.knowledge = svc
		return nil
	}
}

// WithEmitter replaces the default null emitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(e *Engine) error {
		if emitter == nil {
			return NewValidationError("WithEmitter: nil emitter")
		}
		e.emitter = emitter
		return nil
	}
}

// WithMetrics attaches a metrics sink. A nil sink is allowed; every
// recording method on PrometheusMetrics tolerates a nil receiver.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithRetrievalBudgets overrides the per-execution retrieval caps. Zero or
// negative values disable the corresponding check.
func WithRetrievalBudgets(maxRequests, maxFailures int, maxDurationMs int64) Option {
	return func(e *Engine) error {
		e.maxRequests = maxRequests
		e.maxFailures = maxFailures
		e.maxDurationMs = maxDurationMs
		return nil
	}
}

// WithControlLimits overrides the loop and retry ceilings. Zero or negative
// values disable the corresponding check.
func WithControlLimits(maxLoops, maxRetries int) Option {
	return func(e *Engine) error {
		e.maxLoops = maxLoops
		e.maxRetries = maxRetries
		return nil
	}
}

// WithWaveParallelism sets how many nodes of one wave may run concurrently.
// The default of 1 executes each wave sequentially in edge order.
func WithWaveParallelism(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			return NewValidationError("WithWaveParallelism: parallelism must be at least 1")
		}
		e.waveParallelism = n
		return nil
	}
}

// WithClock substitutes the engine's time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) error {
		if clock == nil {
			return NewValidationError("WithClock: nil clock")
		}
		e.clock = clock
		return nil
	}
}

// WithSleep substitutes the retry/backoff sleeper (tests).
func WithSleep(sleep func(context.Context, time.Duration)) Option {
	return func(e *Engine) error {
		if sleep == nil {
			return NewValidationError("WithSleep: nil sleep")
		}
		e.sleep = sleep
		return nil
	}
}

package fanout

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lexrag/retrievald/internal/metrics"
)

// Operation is a unit of work executed by the runner. It must honor ctx
// cancellation; results produced after the deadline are discarded.
type Operation func(ctx context.Context) (interface{}, error)

// Config bounds a fanout batch.
type Config struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	OpTimeout      time.Duration `mapstructure:"op_timeout"`
}

// DefaultConfig matches the limits a browser session can sustain.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 8,
		OpTimeout:      15 * time.Second,
	}
}

// Runner executes batches of independent operations concurrently, falling
// back to a sequential pass over the whole batch when any operation fails.
// The fallback re-runs everything: a concurrent failure may be caused by
// contention, and a clean sequential pass is cheaper to reason about than
// patching individual slots.
type Runner struct {
	cfg    Config
	logger *zap.Logger
}

func NewRunner(cfg Config, logger *zap.Logger) *Runner {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, logger: logger}
}

// RunAll executes ops concurrently and returns one result per operation, in
// input order. Operations beyond MaxConcurrency are dropped from the batch
// entirely. If any concurrent operation fails or times out, the whole batch
// is re-run sequentially; operations that fail again yield a nil slot.
func (r *Runner) RunAll(ctx context.Context, ops []Operation) []interface{} {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > r.cfg.MaxConcurrency {
		r.logger.Warn("truncating fanout batch",
			zap.Int("requested", len(ops)),
			zap.Int("max_concurrency", r.cfg.MaxConcurrency))
		ops = ops[:r.cfg.MaxConcurrency]
	}

	results := make([]interface{}, len(ops))
	errs := make([]error, len(ops))

	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op Operation) {
			defer wg.Done()
			results[i], errs[i] = r.runOne(ctx, op)
		}(i, op)
	}
	wg.Wait()

	failed := false
	for _, err := range errs {
		if err != nil {
			failed = true
			break
		}
	}
	if !failed {
		metrics.FanoutBatches.WithLabelValues("concurrent").Inc()
		return results
	}

	// Sequential fallback over the entire batch.
	metrics.FanoutBatches.WithLabelValues("sequential").Inc()
	r.logger.Info("fanout batch failed, re-running sequentially",
		zap.Int("batch_size", len(ops)))
	for i, op := range ops {
		v, err := r.runOne(ctx, op)
		if err != nil {
			r.logger.Warn("operation failed in sequential pass",
				zap.Int("index", i), zap.Error(err))
			results[i] = nil
			continue
		}
		results[i] = v
	}
	return results
}

// runOne applies the per-operation timeout. The result channel is buffered so
// a goroutine that finishes after the deadline can still send and exit; its
// result is simply never read.
func (r *Runner) runOne(ctx context.Context, op Operation) (interface{}, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()

	type outcome struct {
		v   interface{}
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := op(opCtx)
		ch <- outcome{v, err}
	}()

	select {
	case out := <-ch:
		return out.v, out.err
	case <-opCtx.Done():
		metrics.FanoutOperationTimeouts.Inc()
		return nil, opCtx.Err()
	}
}

// SwarmResult carries the outcome of a base operation plus its variants.
type SwarmResult struct {
	BaseResult     interface{}
	VariantResults []interface{}
}

// RunSwarm executes a base operation together with reformulated variants of
// it. The base occupies slot 0 of the underlying batch; variant slots that
// fail stay nil rather than aborting the swarm.
func (r *Runner) RunSwarm(ctx context.Context, base Operation, variants []Operation) SwarmResult {
	ops := make([]Operation, 0, len(variants)+1)
	ops = append(ops, base)
	ops = append(ops, variants...)

	results := r.RunAll(ctx, ops)

	out := SwarmResult{}
	if len(results) > 0 {
		out.BaseResult = results[0]
		out.VariantResults = results[1:]
	}
	return out
}

// internal/engine/engine.go

// Package engine runs account pipelines on a bounded worker pool. Pipelines
// are independent: each task owns its own identity and browser session, so a
// failing task never disturbs its neighbors.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"credpilot/api/schemas"
	"credpilot/internal/config"
)

// Task is one pipeline run. Identity may be empty when the pipeline will
// generate its own.
type Task struct {
	Identity string
	Run      func(ctx context.Context) (*schemas.AccountRecord, error)
}

// Result pairs a task with its outcome. Record carries the last persisted
// state even when Err is set.
type Result struct {
	Identity string
	Record   *schemas.AccountRecord
	Err      error
}

// Engine is the pool. Concurrency bounds how many pipelines (and therefore
// browser sessions) are live at once.
type Engine struct {
	concurrency int
	timeout     time.Duration
	log         *zap.Logger
}

// New builds an engine from configuration.
func New(cfg config.EngineConfig, logger *zap.Logger) *Engine {
	return &Engine{
		concurrency: cfg.WorkerConcurrency,
		timeout:     cfg.PipelineTimeout,
		log:         logger.Named("engine"),
	}
}

// Run executes all tasks and returns one result per task, index-aligned.
// It blocks until every task finished or observed cancellation.
func (e *Engine) Run(ctx context.Context, tasks []Task) []Result {
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)

	results := make([]Result, len(tasks))
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			results[i] = e.runOne(ctx, task)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) runOne(ctx context.Context, task Task) Result {
	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	started := time.Now()
	rec, err := task.Run(runCtx)

	result := Result{Identity: task.Identity, Record: rec, Err: err}
	if rec != nil {
		result.Identity = rec.Identity
	}
	if err != nil {
		e.log.Warn("pipeline failed",
			zap.String("identity", result.Identity),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
	} else {
		e.log.Info("pipeline completed",
			zap.String("identity", result.Identity),
			zap.Duration("elapsed", time.Since(started)))
	}
	return result
}

// FailedCount reports how many results carry an error.
func FailedCount(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"credpilot/api/schemas"
	"credpilot/internal/browser/fake"
	"credpilot/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEngine(concurrency int, timeout time.Duration) *Engine {
	return New(config.EngineConfig{
		WorkerConcurrency: concurrency,
		PipelineTimeout:   timeout,
	}, zap.NewNop())
}

func TestRunBoundsConcurrency(t *testing.T) {
	const (
		workers = 2
		jobs    = 8
	)
	var (
		live    atomic.Int32
		maxLive atomic.Int32
	)

	tasks := make([]Task, jobs)
	for i := range tasks {
		tasks[i] = Task{Run: func(context.Context) (*schemas.AccountRecord, error) {
			n := live.Add(1)
			for {
				prev := maxLive.Load()
				if n <= prev || maxLive.CompareAndSwap(prev, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			live.Add(-1)
			return &schemas.AccountRecord{Identity: "x"}, nil
		}}
	}

	results := newEngine(workers, 0).Run(context.Background(), tasks)
	require.Len(t, results, jobs)
	assert.LessOrEqual(t, maxLive.Load(), int32(workers))
	assert.Equal(t, 0, FailedCount(results))
}

// The pool, not the browser, is what bounds live sessions: with two workers
// over many tasks the high-water mark of open sessions never exceeds two.
func TestRunBoundsLiveBrowserSessions(t *testing.T) {
	launcher := fake.NewLauncher()

	tasks := make([]Task, 6)
	for i := range tasks {
		tasks[i] = Task{Run: func(ctx context.Context) (*schemas.AccountRecord, error) {
			s, err := launcher.NewSession(ctx)
			if err != nil {
				return nil, err
			}
			defer s.Close()
			time.Sleep(5 * time.Millisecond)
			return &schemas.AccountRecord{Identity: "x"}, nil
		}}
	}

	newEngine(2, 0).Run(context.Background(), tasks)
	assert.LessOrEqual(t, launcher.MaxLive(), 2)
	assert.Equal(t, 0, launcher.Live())
}

func TestRunIsolatesFailures(t *testing.T) {
	boom := errors.New("pipeline exploded")
	tasks := []Task{
		{Identity: "a", Run: func(context.Context) (*schemas.AccountRecord, error) {
			return &schemas.AccountRecord{Identity: "a", Status: schemas.StatusActive}, nil
		}},
		{Identity: "b", Run: func(context.Context) (*schemas.AccountRecord, error) {
			return &schemas.AccountRecord{Identity: "b", Status: schemas.StatusFailed}, boom
		}},
		{Identity: "c", Run: func(context.Context) (*schemas.AccountRecord, error) {
			return &schemas.AccountRecord{Identity: "c", Status: schemas.StatusActive}, nil
		}},
	}

	results := newEngine(1, 0).Run(context.Background(), tasks)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.NoError(t, results[2].Err, "a failing neighbor must not abort later tasks")
	assert.Equal(t, 1, FailedCount(results))
}

func TestRunAppliesPipelineTimeout(t *testing.T) {
	tasks := []Task{{Identity: "slow", Run: func(ctx context.Context) (*schemas.AccountRecord, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return nil, errors.New("timeout never fired")
		}
	}}}

	results := newEngine(1, 5*time.Millisecond).Run(context.Background(), tasks)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	tasks := make([]Task, 4)
	for i := range tasks {
		tasks[i] = Task{Run: func(ctx context.Context) (*schemas.AccountRecord, error) {
			ran.Add(1)
			return nil, ctx.Err()
		}}
	}

	results := newEngine(2, 0).Run(ctx, tasks)
	require.Len(t, results, 4)
	assert.Equal(t, int32(4), ran.Load(), "tasks still observe the canceled context themselves")
	assert.Equal(t, 4, FailedCount(results))
}

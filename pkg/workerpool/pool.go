// Package workerpool runs independent work items with bounded parallelism.
package workerpool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Config configures the pool.
type Config struct {
	MaxConcurrent int // Maximum items in flight (default: 4)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
	}
}

// Pool bounds how many items run at once. A Pool holds no per-run state
// and may be shared by concurrent Process calls; each call gets its own limit.
type Pool struct {
	config Config
	logger *zap.Logger
}

// New creates a pool.
func New(config Config, logger *zap.Logger) *Pool {
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	return &Pool{
		config: config,
		logger: logger.Named("worker-pool"),
	}
}

// MaxConcurrent returns the concurrency limit.
func (p *Pool) MaxConcurrent() int {
	return p.config.MaxConcurrent
}

// WorkItem is a unit of work.
type WorkItem[T any] struct {
	ID      string                               // For logging/tracking
	Execute func(ctx context.Context) (T, error) // The work to be executed
}

// WorkResult is the outcome of a work item.
type WorkResult[T any] struct {
	ID       string
	Result   T
	Err      error
	Launched bool // false when ctx was cancelled before the item started
}

// Process executes items with bounded parallelism and returns results in
// submission order. Items start in submission order; once ctx is done no
// further item is started and the remaining results carry ctx.Err().
// In-flight items see the cancellation through their ctx.
func Process[T any](
	ctx context.Context,
	pool *Pool,
	items []WorkItem[T],
	onProgress func(completed, total int),
) []WorkResult[T] {
	if len(items) == 0 {
		return nil
	}

	results := make([]WorkResult[T], len(items))
	sem := make(chan struct{}, pool.config.MaxConcurrent)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	done := func() {
		mu.Lock()
		defer mu.Unlock()
		completed++
		if onProgress != nil {
			onProgress(completed, len(items))
		}
	}

	for i, item := range items {
		// Acquire before launching so cancellation stops new starts.
		acquired := false
		select {
		case sem <- struct{}{}:
			acquired = true
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			if acquired {
				<-sem
			}
			pool.logger.Debug("Work cancelled before start",
				zap.Int("remaining", len(items)-i),
				zap.String("first_id", item.ID))
			for j := i; j < len(items); j++ {
				results[j] = WorkResult[T]{ID: items[j].ID, Err: ctx.Err()}
				done()
			}
			break
		}

		wg.Add(1)
		go func(i int, item WorkItem[T]) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := item.Execute(ctx)
			results[i] = WorkResult[T]{ID: item.ID, Result: result, Err: err, Launched: true}
			done()
		}(i, item)
	}

	wg.Wait()
	return results
}

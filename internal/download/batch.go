package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BatchOptions configures a batch run.
type BatchOptions struct {
	// Concurrency caps in-flight downloads. Zero or negative selects the
	// default of 4.
	Concurrency int

	// ContinueOnError records failures in the summary instead of aborting
	// the batch on the first one.
	ContinueOnError bool
}

// Summary reports the outcome of a batch run.
type Summary struct {
	TotalTasks     int
	Completed      int
	Skipped        int
	Errors         int
	ElapsedSeconds float64
	ErrorDetails   []string
}

// Batch downloads tasks through a bounded worker pool. With
// ContinueOnError unset (the default) the first failure cancels the
// remaining work and is returned alongside the partial summary; otherwise
// every failure is recorded and the batch runs to completion.
func (c *Client) Batch(ctx context.Context, tasks []Task, opts BatchOptions) (Summary, error) {
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 4
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	start := time.Now()
	summary := Summary{TotalTasks: len(tasks)}
	if len(tasks) == 0 {
		return summary, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		firstErr error
	)
	queue := make(chan Task)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				skipped, err := c.Download(ctx, task)

				mu.Lock()
				switch {
				case errors.Is(err, context.Canceled):
					// Cancelled mid-batch by fail-fast; not a task failure.
				case err != nil:
					summary.Errors++
					summary.ErrorDetails = append(summary.ErrorDetails,
						fmt.Sprintf("%s: %v", task.URL, err))
					if !opts.ContinueOnError && firstErr == nil {
						firstErr = err
						cancel()
					}
				case skipped:
					summary.Skipped++
				default:
					summary.Completed++
				}
				mu.Unlock()
			}
		}()
	}

feeding:
	for _, task := range tasks {
		select {
		case queue <- task:
		case <-ctx.Done():
			break feeding
		}
	}
	close(queue)
	wg.Wait()

	summary.ElapsedSeconds = time.Since(start).Seconds()

	if firstErr != nil {
		return summary, firstErr
	}
	return summary, ctx.Err()
}

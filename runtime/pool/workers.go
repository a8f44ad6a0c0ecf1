package pool

import (
	"context"
	"sync"
	"sync/atomic"
)

// runWorkerPool feeds items to at most slots workers and sums what fn
// returns. It reports whether ctx ended before every item was handed out.
func runWorkerPool[T any](ctx context.Context, slots int, items []T, fn func(context.Context, T) int) (int, bool) {
	if slots <= 1 || len(items) <= 1 {
		total := 0
		for _, item := range items {
			if ctx.Err() != nil {
				return total, true
			}
			total += fn(ctx, item)
		}
		return total, false
	}
	if slots > len(items) {
		slots = len(items)
	}

	tasks := make(chan T)
	results := make(chan int)
	var wg sync.WaitGroup

	for i := 0; i < slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range tasks {
				if ctx.Err() != nil {
					continue
				}
				results <- fn(ctx, item)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var aborted atomic.Bool
	go func() {
		defer close(tasks)
		for _, item := range items {
			if ctx.Err() != nil {
				aborted.Store(true)
				return
			}
			tasks <- item
		}
	}()

	total := 0
	for r := range results {
		total += r
	}
	return total, aborted.Load()
}

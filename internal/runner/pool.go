package runner

import (
	"context"
	"fmt"
	"sync"
)

// Job is one unit of pool work, typically every evaluation of one target.
type Job func(ctx context.Context) error

// RunPool runs jobs with at most maxWorkers at a time and returns every
// error. Jobs not yet started when ctx is cancelled are skipped and report
// ctx.Err(). A panicking job becomes an error instead of taking the batch
// down.
func RunPool(ctx context.Context, maxWorkers int, jobs []Job) []error {
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	sem := make(chan struct{}, maxWorkers)

	for i, job := range jobs {
		if ctx.Err() != nil {
			record(fmt.Errorf("job %d: %w", i, ctx.Err()))
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			record(fmt.Errorf("job %d: %w", i, ctx.Err()))
			continue
		}
		wg.Add(1)
		go func(i int, j Job) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					record(fmt.Errorf("job %d panicked: %v", i, r))
				}
			}()
			if err := j(ctx); err != nil {
				record(err)
			}
		}(i, job)
	}
	wg.Wait()
	return errs
}

// Package scan walks keyset pages and fans work out with a bounded number of
// goroutines. A failing unit is counted and never stops the walk; the wall-clock
// budget is checked before each unit starts.
package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 5
	DefaultPageSize    = 200

	// maxRecordedErrors bounds how many unit failures are kept for the job log.
	maxRecordedErrors = 20
)

// Pager loads the page after cursor. An empty cursor starts the walk; an empty
// next cursor ends it.
type Pager[K any] func(ctx context.Context, cursor string, limit int) (keys []K, next string, err error)

// Options tune a scan.
type Options struct {
	Concurrency int
	PageSize    int
	Budget      time.Duration
	Clock       func() time.Time
}

// Result summarizes a scan.
type Result struct {
	Considered int
	Failed     int
	Truncated  bool
	// Err aggregates the first unit failures.
	Err error
}

// Run applies fn to every key returned by pager. It only returns an error when
// a page cannot be loaded; unit failures land in Result.
func Run[K any](ctx context.Context, opts Options, pager Pager[K], fn func(ctx context.Context, key K) error) (Result, error) {
	if pager == nil || fn == nil {
		return Result{}, errors.New("pager and unit func required")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	start := clock()
	overBudget := func() bool {
		return opts.Budget > 0 && clock().Sub(start) >= opts.Budget
	}

	var (
		mu     sync.Mutex
		result Result
		errs   error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Failed++
		if result.Failed <= maxRecordedErrors {
			errs = multierr.Append(errs, err)
		}
	}

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			result.Truncated = true
			break
		}
		keys, next, err := pager(ctx, cursor, pageSize)
		if err != nil {
			result.Err = errs
			return result, err
		}

		g := errgroup.Group{}
		g.SetLimit(concurrency)
		stopped := false
		for _, key := range keys {
			if overBudget() || ctx.Err() != nil {
				stopped = true
				break
			}
			key := key
			result.Considered++
			g.Go(func() error {
				if err := fn(ctx, key); err != nil {
					record(err)
				}
				return nil
			})
		}
		_ = g.Wait()

		if stopped {
			result.Truncated = true
			break
		}
		if next == "" || len(keys) == 0 {
			break
		}
		cursor = next
	}

	result.Err = errs
	return result, nil
}

// Items runs fn over an in-memory list with the same bounds as Run.
func Items[K any](ctx context.Context, opts Options, keys []K, fn func(ctx context.Context, key K) error) (Result, error) {
	served := false
	pager := func(context.Context, string, int) ([]K, string, error) {
		if served {
			return nil, "", nil
		}
		served = true
		return keys, "", nil
	}
	return Run(ctx, opts, pager, fn)
}

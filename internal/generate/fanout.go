package generate

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type FanOutOptions struct {
	Workers int
	Stagger time.Duration
	Retry   RetryPolicy
}

// InvokeAll runs independent requests on a bounded pool, staggering
// submissions, and returns results sorted by generation id.
func (inv *Invoker) InvokeAll(ctx context.Context, reqs []Request, opts FanOutOptions) []Result {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(reqs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, req := range reqs {
		if i > 0 && opts.Stagger > 0 {
			if err := inv.sleep(gctx, opts.Stagger); err != nil {
				mu.Lock()
				results = append(results, Result{GenerationID: req.GenerationID, Prompt: req.Prompt, Model: req.Model, Err: err, URLs: []string{}, Files: []string{}})
				mu.Unlock()
				continue
			}
		}

		g.Go(func() error {
			res := inv.InvokeWithRetry(gctx, req, opts.Retry)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].GenerationID < results[j].GenerationID
	})
	return results
}

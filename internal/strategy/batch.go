package strategy

import (
	"context"

	"golang.org/x/sync/errgroup"

	"backtest-engine/internal/model"
)

// Job is one independent backtest: its own series and configuration.
type Job struct {
	Name   string
	Series model.PriceSeries
	Config Config
}

// JobResult pairs a job with its outcome. Exactly one of Result and Err is set.
type JobResult struct {
	Name   string
	Result *Result
	Err    error
}

// RunAll runs jobs concurrently, at most limit at a time (limit <= 0 means
// unbounded). A failing job never stops its siblings; once ctx is done, jobs
// that have not started report ctx.Err(). Results are in job order.
func RunAll(ctx context.Context, jobs []Job, limit int) []JobResult {
	results := make([]JobResult, len(jobs))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range jobs {
		i := i
		g.Go(func() error {
			job := jobs[i]
			results[i].Name = job.Name
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Result, results[i].Err = Run(job.Series, job.Config)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

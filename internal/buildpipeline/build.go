package buildpipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"kcache/internal/trace"
)

// BuildAll compiles reqs with at most jobs concurrent requests (GOMAXPROCS
// when jobs <= 0). Results are returned in request order; per-request failures
// are stored in Result.Err and joined into the returned error. Requests not yet
// started when ctx is cancelled fail with the context error.
func (b *Backend) BuildAll(ctx context.Context, reqs []Request, jobs int, sink ProgressSink) ([]Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	span := trace.Begin(trace.FromContext(ctx), trace.ScopeCommand, "build", trace.ParentID(ctx))
	span.WithExtra("requests", fmt.Sprint(len(reqs)))
	ctx = trace.WithSpan(ctx, span)
	defer span.End("")

	for _, req := range reqs {
		emit(sink, req.Name, StageLower, StatusQueued, "", nil, 0)
	}

	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	// Each goroutine owns one slot, no lock needed.
	results := make([]Result, len(reqs))

	var g errgroup.Group
	g.SetLimit(max(1, min(jobs, len(reqs))))
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			select {
			case <-ctx.Done():
				results[i] = Result{Name: req.Name, Err: ctx.Err()}
				emit(sink, req.Name, StageLower, StatusError, SourceNone, ctx.Err(), 0)
				return nil
			default:
			}
			res, err := b.compile(ctx, req, sink)
			res.Err = err
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return results, errors.Join(errs...)
}

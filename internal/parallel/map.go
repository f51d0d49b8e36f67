package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Result pairs an input element with the value mapped from it
type Result[E, D any] struct {
	In  E
	Out D
	Err error
}

// Map calls mapFunc for every element of seq, at most limit calls run at the
// same time. Results are yielded in the order of completion.
//
//	for r := range parallel.Map(ctx, 4, slices.Values(nodes), inspect) {}
//
// Leaving the loop early cancels the context passed to pending calls and waits
// for them to return. A canceled ctx stops the consumption of seq.
func Map[E, D any](ctx context.Context, limit int, seq iter.Seq[E], mapFunc func(context.Context, E) (D, error)) iter.Seq[Result[E, D]] {
	return func(yield func(Result[E, D]) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		results := make(chan Result[E, D])
		var g errgroup.Group
		g.SetLimit(max(limit, 1))
		go func() {
			defer close(results)
			for e := range seq {
				if ctx.Err() != nil {
					break
				}
				g.Go(func() error {
					d, err := mapFunc(ctx, e)
					select {
					case results <- Result[E, D]{In: e, Out: d, Err: err}:
					case <-ctx.Done():
					}
					return nil
				})
			}
			_ = g.Wait()
		}()

		for r := range results {
			if !yield(r) {
				cancel()
				break
			}
		}
		// drain, so the producer ends
		for range results {
		}
	}
}

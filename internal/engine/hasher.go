package engine

import (
	"context"
	"fmt"
	"hash"

	"golang.org/x/sync/errgroup"
)

// hashWorker is the per-goroutine state of the hash stage.
type hashWorker struct {
	id      int
	d       *digester // nil when the stage does not hash
	scratch []byte
}

// hashStage runs n workers applying fn to every item from in, forwarding
// results to out in completion order. out is closed once every worker has
// exited.
func hashStage(
	ctx context.Context,
	n int,
	mk func() hash.Hash,
	scratchSize int,
	in <-chan *blockItem,
	out chan<- *blockItem,
	fn func(w *hashWorker, it *blockItem) error,
) error {
	defer close(out)

	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		w := &hashWorker{id: i}
		if mk != nil {
			w.d = newDigester(mk)
		}
		if scratchSize > 0 {
			w.scratch = make([]byte, scratchSize)
		}
		g.Go(func() error {
			for {
				var it *blockItem
				var ok bool
				select {
				case it, ok = <-in:
					if !ok {
						return nil
					}
				case <-gctx.Done():
					return gctx.Err()
				}
				if err := fn(w, it); err != nil {
					return err
				}
				select {
				case out <- it:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}
	return g.Wait()
}

// reorder consumes exactly count items from in and calls fn on them in
// ascending local index order.
func reorder(ctx context.Context, in <-chan *blockItem, count int, fn func(it *blockItem) error) error {
	pending := make(map[int]*blockItem)
	next := 0
	for next < count {
		if it, ok := pending[next]; ok {
			delete(pending, next)
			if err := fn(it); err != nil {
				return err
			}
			next++
			continue
		}
		select {
		case it, ok := <-in:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return fmt.Errorf("pipeline ended after %d of %d blocks", next, count)
			}
			pending[it.local] = it
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

package client

import (
	"context"
	"sync"
)

// concurrencyCap applies §4.6's "min(user_requested, server_max, 8)"
// rule for picking a worker count.
func concurrencyCap(userRequested, serverMax int) int {
	n := userRequested
	if n <= 0 {
		n = 8
	}
	if serverMax > 0 && serverMax < n {
		n = serverMax
	}
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// runWorkers drives items through fn using workers concurrent workers,
// each pulling from a shared queue and owning its own connection (the
// caller's fn is responsible for that). On the first error, the
// transfer fails fast: the shared context is canceled so every other
// in-flight worker unwinds, and runWorkers returns that first error
// (§4.6 step 5, §5 "Client transfers cancel all workers on first fatal
// error").
func runWorkers(ctx context.Context, workers int, items []workItem, fn func(context.Context, workItem) error) error {
	if workers < 1 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan workItem)
	errCh := make(chan error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range queue {
				if err := fn(ctx, item); err != nil {
					select {
					case errCh <- err:
					default:
					}
					cancel()
					return
				}
			}
		}()
	}

feed:
	for _, item := range items {
		select {
		case queue <- item:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}
	return ctx.Err()
}

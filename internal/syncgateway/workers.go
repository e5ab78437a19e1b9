package syncgateway

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// fanOut processes each client's queue on a bounded pool. A failing client
// does not stop the others; the first error is returned with every report
// that did complete.
func (g *Gateway) fanOut(ctx context.Context, clientIDs []string) (map[string]QueueReport, error) {
	var (
		mu      sync.Mutex
		reports = make(map[string]QueueReport, len(clientIDs))
		eg      errgroup.Group
	)
	eg.SetLimit(g.workers)

	for _, id := range clientIDs {
		id := id
		eg.Go(func() error {
			report, err := g.processShared(ctx, id)
			mu.Lock()
			reports[id] = report
			mu.Unlock()
			return err
		})
	}
	err := eg.Wait()
	return reports, err
}

package worker

import (
	"log/slog"
	"sync"

	"github.com/gradelab/gpuqueue/internal/domain"
)

// TransportFactory builds the transport for one node.
type TransportFactory func(node int, address string) domain.Transport

// Pool runs one worker per configured node.
type Pool struct {
	workers []*Worker
	log     *slog.Logger
}

// NewPool builds a pool of numNodes workers. base carries the shared policy;
// the node index is filled in per worker.
func NewPool(base Options, addresses []string, jobs domain.JobRepository, nodes domain.NodeRepository, newTransport TransportFactory, m Metrics, log *slog.Logger) *Pool {
	workers := make([]*Worker, 0, len(addresses))
	for i, addr := range addresses {
		opts := base
		opts.Node = i
		workers = append(workers, New(opts, jobs, nodes, newTransport(i, addr), m, log))
	}
	return &Pool{workers: workers, log: log}
}

// Run starts every worker and blocks until all have stopped.
func (p *Pool) Run(ctx domain.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	p.log.Info("worker pool started", slog.Int("workers", len(p.workers)))
	wg.Wait()
	p.log.Info("worker pool stopped")
}

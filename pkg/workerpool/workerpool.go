// Package workerpool runs a fixed number of long-lived measurement workers,
// each with its own controller session and dialer, round-robin-fed by a
// single dispatch loop.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/go-ting/pkg/cache"
	"github.com/opd-ai/go-ting/pkg/engine"
	"github.com/opd-ai/go-ting/pkg/fingerprint"
	"github.com/opd-ai/go-ting/pkg/logger"
	"github.com/opd-ai/go-ting/pkg/pairsource"
	"github.com/opd-ai/go-ting/pkg/results"
)

// dispatchPollInterval is how long the dispatch loop sleeps when every
// worker's input channel is full.
const dispatchPollInterval = 500 * time.Millisecond

// worker owns one engine and a capacity-1 input channel.
type worker struct {
	id  int
	in  chan fingerprint.Pair
	eng *engine.Engine
}

// Pool runs N workers that each pull pairs from their own channel, measure
// them, and enqueue the raw result to a shared results manager.
type Pool struct {
	workers []*worker
	out     chan<- results.Raw
	log     *logger.Logger
}

// New constructs a pool of n workers, each wrapping one engine built by
// newEngine(workerID); whatever the engines share (attach mutex, cache) is
// up to newEngine.
func New(n int, newEngine func(workerID int) *engine.Engine, out chan<- results.Raw, log *logger.Logger) *Pool {
	log = log.Component("workerpool")
	workers := make([]*worker, n)
	for i := 0; i < n; i++ {
		workers[i] = &worker{
			id:  i,
			in:  make(chan fingerprint.Pair, 1),
			eng: newEngine(i),
		}
	}
	return &Pool{workers: workers, out: out, log: log}
}

// Run starts every worker goroutine and the dispatch loop; it blocks until
// src is exhausted and every worker has drained its last pending pair.
func (p *Pool) Run(ctx context.Context, src pairsource.Source) {
	var wg sync.WaitGroup
	wg.Add(len(p.workers))
	for _, w := range p.workers {
		go func(w *worker) {
			defer wg.Done()
			p.runWorker(ctx, w)
		}(w)
	}

	p.dispatch(ctx, src)

	for _, w := range p.workers {
		close(w.in)
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, w *worker) {
	wlog := p.log.Worker(w.id)
	for pair := range w.in {
		raw := w.eng.Measure(ctx, pair)
		p.out <- raw
		wlog.Debug("pair complete", "x", pair.X, "y", pair.Y)
	}
}

// dispatch round-robins pairs from src to the first worker whose channel
// isn't full, sleeping briefly when every worker is busy.
func (p *Pool) dispatch(ctx context.Context, src pairsource.Source) {
	next := 0
	for {
		pair, ok := src.Next()
		if !ok {
			return
		}

		assigned := false
		for !assigned {
			select {
			case <-ctx.Done():
				return
			default:
			}

			for i := 0; i < len(p.workers); i++ {
				w := p.workers[(next+i)%len(p.workers)]
				select {
				case w.in <- pair:
					next = (next + i + 1) % len(p.workers)
					assigned = true
				default:
				}
				if assigned {
					break
				}
			}

			if !assigned {
				time.Sleep(dispatchPollInterval)
			}
		}
	}
}

// CachePersister periodically saves c to path every `every` completed
// measurements across the whole pool, and once more when stopped.
type CachePersister struct {
	c     *cache.Cache
	path  string
	every int
	log   *logger.Logger

	count int
	mu    sync.Mutex
}

// NewCachePersister constructs a persister; call Tick after every
// completed measurement and Flush once at shutdown.
func NewCachePersister(c *cache.Cache, path string, every int, log *logger.Logger) *CachePersister {
	return &CachePersister{c: c, path: path, every: every, log: log.Component("workerpool")}
}

// Tick increments the completed-measurement counter and saves the cache
// once it reaches the configured threshold.
func (c *CachePersister) Tick() {
	c.mu.Lock()
	c.count++
	due := c.every > 0 && c.count >= c.every
	if due {
		c.count = 0
	}
	c.mu.Unlock()

	if due {
		if err := c.c.Save(c.path); err != nil {
			c.log.Warn("periodic cache save failed", "error", err)
		}
	}
}

// Flush saves the cache unconditionally, for shutdown.
func (c *CachePersister) Flush() {
	if err := c.c.Save(c.path); err != nil {
		c.log.Warn("final cache save failed", "error", err)
	}
}

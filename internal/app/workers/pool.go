package workers

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dkeye/huddle/internal/core"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrNoWorkers = errors.New("no media worker could be started")

// Pool is a fixed-size set of media workers handed out round-robin.
type Pool struct {
	factory core.WorkerFactory
	size    int

	workers []core.MediaWorker
	next    atomic.Uint64
	stop    sync.Once
}

// Size returns min(cap, NumCPU), at least 1.
func Size(cap int) int {
	return max(1, min(cap, runtime.NumCPU()))
}

func NewPool(factory core.WorkerFactory, cap int) *Pool {
	return newPool(factory, Size(cap))
}

func newPool(factory core.WorkerFactory, size int) *Pool {
	return &Pool{factory: factory, size: max(1, size)}
}

// Start boots every slot in parallel. A slot that fails is retried once and
// then left out; Start fails only when no slot comes up.
func (p *Pool) Start(ctx context.Context) error {
	slots := make([]core.MediaWorker, p.size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range slots {
		g.Go(func() error {
			w, err := p.factory(gctx, i)
			if err != nil {
				log.Warn().Err(err).Str("module", "app.workers").Int("slot", i).Msg("worker failed to start, retrying")
				w, err = p.factory(gctx, i)
			}
			if err != nil {
				log.Error().Err(err).Str("module", "app.workers").Int("slot", i).Msg("worker slot abandoned")
				return nil
			}
			slots[i] = w
			return nil
		})
	}
	_ = g.Wait()

	for _, w := range slots {
		if w != nil {
			p.workers = append(p.workers, w)
		}
	}
	if len(p.workers) == 0 {
		return ErrNoWorkers
	}
	log.Info().Str("module", "app.workers").Int("size", len(p.workers)).Msg("worker pool started")
	return nil
}

// Size is the number of running workers.
func (p *Pool) Size() int { return len(p.workers) }

// Allocate returns the next worker in round-robin order. Start must have succeeded.
func (p *Pool) Allocate() core.MediaWorker {
	n := p.next.Add(1) - 1
	return p.workers[n%uint64(len(p.workers))]
}

// Shutdown closes every worker. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.stop.Do(func() {
		var g errgroup.Group
		for _, w := range p.workers {
			g.Go(func() error {
				if err := w.Close(); err != nil {
					log.Error().Err(err).Str("module", "app.workers").Str("worker", w.ID()).Msg("worker close")
				}
				return nil
			})
		}
		_ = g.Wait()
		log.Info().Str("module", "app.workers").Msg("worker pool stopped")
	})
}

package sync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"stock-sync-service/internal/logger"
	"stock-sync-service/internal/marketplace"
	"stock-sync-service/internal/store"
)

// Prober is the part of the marketplace probe the engine needs.
type Prober interface {
	Probe(ctx context.Context, sourceID string) marketplace.StockProbeResult
}

type probeOutcome struct {
	listing store.Listing
	result  marketplace.StockProbeResult
}

// WorkerPool probes listings concurrently and hands every outcome back on one
// channel. Workers never touch the store or the report.
type WorkerPool struct {
	workers []*Worker
	prober  Prober
	jobs    chan store.Listing
	results chan probeOutcome
	wg      sync.WaitGroup
}

func NewWorkerPool(size int, prober Prober) *WorkerPool {
	if size < 1 {
		size = 1
	}
	pool := &WorkerPool{
		workers: make([]*Worker, size),
		prober:  prober,
		jobs:    make(chan store.Listing),
		results: make(chan probeOutcome, size),
	}
	for i := 0; i < size; i++ {
		pool.workers[i] = newWorker(i, pool)
	}
	return pool
}

// Run probes every listing and returns the outcome channel. The channel is
// closed after the last outcome. The caller must drain it.
func (p *WorkerPool) Run(ctx context.Context, listings []store.Listing) <-chan probeOutcome {
	logger.Log.Debug("Starting probe workers", zap.Int("workers", len(p.workers)), zap.Int("listings", len(listings)))
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run(ctx)
	}

	go func() {
		defer close(p.jobs)
		for _, l := range listings {
			p.jobs <- l
		}
	}()

	go func() {
		p.wg.Wait()
		close(p.results)
	}()

	return p.results
}

type Worker struct {
	id   int
	pool *WorkerPool
}

func newWorker(id int, pool *WorkerPool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.pool.wg.Done()
	for l := range w.pool.jobs {
		w.pool.results <- probeOutcome{listing: l, result: w.probe(ctx, l)}
	}
}

func (w *Worker) probe(ctx context.Context, l store.Listing) (res marketplace.StockProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Probe panicked",
				zap.Int("workerID", w.id),
				zap.String("source_id", l.SourceID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			res = marketplace.StockProbeResult{
				SourceID: l.SourceID,
				Variants: []marketplace.VariantStock{},
				Err:      fmt.Errorf("probe panic: %v", r),
			}
		}
	}()
	return w.pool.prober.Probe(ctx, l.SourceID)
}

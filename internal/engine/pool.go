package engine

import (
	"context"
	"sync"
)

// task is one scheduled node run.
type task struct {
	executionID string
	nodeID      string
}

// workerPool runs node tasks on a fixed set of workers. Two queues give
// human-task resumptions priority over freshly scheduled nodes, so a
// pending approval outcome is not starved behind a burst of new work.
type workerPool struct {
	high    chan task
	normal  chan task
	run     func(ctx context.Context, t task)
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex
}

func newWorkerPool(queueSize int, run func(ctx context.Context, t task)) *workerPool {
	return &workerPool{
		high:   make(chan task, queueSize),
		normal: make(chan task, queueSize),
		run:    run,
	}
}

func (p *workerPool) start(workers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *workerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		// Drain the high-priority queue before taking normal work.
		select {
		case t := <-p.high:
			p.run(ctx, t)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case t := <-p.high:
			p.run(ctx, t)
		case t := <-p.normal:
			p.run(ctx, t)
		}
	}
}

// submit enqueues a task. Returns false when the queue is full.
func (p *workerPool) submit(t task, priority bool) bool {
	q := p.normal
	if priority {
		q = p.high
	}
	select {
	case q <- t:
		return true
	default:
		return false
	}
}

func (p *workerPool) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.started = false
}

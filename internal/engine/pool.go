package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/patchpilot/patchpilot/internal/registry"
)

// Pool runs N workers draining a shared wakeup queue. Wakeups are
// advisory: a worker that loses the claim race just moves on.
type Pool struct {
	engine  *Engine
	reg     *registry.Registry
	workers int
	name    string
	log     *slog.Logger

	queue    chan string
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewPool creates a Pool with the given worker count. name prefixes the
// worker ids recorded in run claims.
func NewPool(engine *Engine, reg *registry.Registry, workers int, name string, log *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if name == "" {
		name = "worker"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		engine:  engine,
		reg:     reg,
		workers: workers,
		name:    name,
		log:     log,
		queue:   make(chan string, 256),
		done:    make(chan struct{}),
	}
}

// Enqueue wakes a worker for the run. Never blocks the caller: if the
// buffer is full the send finishes on a goroutine, which gives up once
// the pool stops.
func (p *Pool) Enqueue(runID string) {
	select {
	case p.queue <- runID:
	default:
		go func() {
			select {
			case p.queue <- runID:
			case <-p.done:
			}
		}()
	}
}

// Start recovers interrupted work and launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.recover(); err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.name, i+1)
		p.wg.Add(1)
		go p.work(ctx, workerID)
	}
	p.log.Info("worker pool started", "workers", p.workers)
	return nil
}

// Stop cancels the workers and waits for them to drain. Safe to call more
// than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.log.Info("worker pool stopped")
	})
}

// recover requeues work lost to a crash: runs stuck in running had a claim
// holder that no longer exists, queued runs lost their wakeup, and decided
// suspended runs lost theirs.
func (p *Pool) recover() error {
	stuck, err := p.reg.ListRunIDs(registry.StatusRunning)
	if err != nil {
		return err
	}
	for _, id := range stuck {
		p.log.Warn("resetting orphaned run", "run", id)
		if err := p.reg.SetStatus(id, registry.StatusQueued); err != nil {
			return err
		}
		p.Enqueue(id)
	}

	queued, err := p.reg.ListRunIDs(registry.StatusQueued)
	if err != nil {
		return err
	}
	for _, id := range queued {
		p.Enqueue(id)
	}

	waiting, err := p.reg.ListRunIDs(registry.StatusWaitingApproval)
	if err != nil {
		return err
	}
	for _, id := range waiting {
		// Claim filters out the undecided ones.
		p.Enqueue(id)
	}
	return nil
}

func (p *Pool) work(ctx context.Context, workerID string) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-p.queue:
			if err := p.engine.Process(ctx, runID, workerID); err != nil {
				p.log.Error("run processing failed", "run", runID, "worker", workerID, "error", err)
			}
		}
	}
}

// LocalQueue is the single-process queue used by the CLI's one-shot mode:
// enqueue, then drain until nothing is left to do.
type LocalQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *LocalQueue) Enqueue(runID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, runID)
}

func (q *LocalQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true
}

// Drain processes queued runs in order until the queue is empty. Runs that
// suspend for approval stay suspended; deciding re-enqueues them.
func (q *LocalQueue) Drain(ctx context.Context, e *Engine, workerID string) error {
	for {
		id, ok := q.pop()
		if !ok {
			return nil
		}
		if err := e.Process(ctx, id, workerID); err != nil {
			return err
		}
	}
}

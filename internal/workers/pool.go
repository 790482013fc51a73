package workers

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultWorkers is the number of goroutines draining the queue.
	DefaultWorkers = 5
	// DefaultQueueSize bounds how many tasks may wait before submitters
	// start running tasks themselves.
	DefaultQueueSize = 1024
)

// Pool runs submitted tasks on a fixed set of worker goroutines backed by a
// bounded queue. When the queue is full, Submit runs the task on the calling
// goroutine instead of dropping it, so order execution degrades to
// synchronous under load rather than losing work.
type Pool struct {
	queue chan func()
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pool{
		queue: make(chan func(), queueSize),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	log.Info().
		Str("component", "worker_pool").
		Int("workers", workers).
		Int("queue_size", queueSize).
		Msg("worker pool started")
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		task()
	}
}

// Submit enqueues the task, or runs it inline when the pool is stopped or
// the queue is full.
func (p *Pool) Submit(task func()) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		task()
		return
	}
	select {
	case p.queue <- task:
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		log.Warn().
			Str("component", "worker_pool").
			Msg("queue full, running task on caller")
		task()
	}
}

// Stop closes the queue and waits for in-flight tasks to finish. Tasks
// submitted after Stop run on the caller.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	log.Info().Str("component", "worker_pool").Msg("worker pool stopped")
}

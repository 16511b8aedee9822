package notify

import "sync"

// workerPool runs jobs on a fixed number of goroutines with a bounded backlog.
type workerPool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

// newWorkerPool starts workers reading from backlog of queueSize.
// Params: worker count and backlog capacity (both clamped to at least 1).
// Returns: running pool.
func newWorkerPool(workers, queueSize int) *workerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	pool := &workerPool{jobs: make(chan func(), queueSize)}
	pool.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer pool.wg.Done()
			for job := range pool.jobs {
				job()
			}
		}()
	}
	return pool
}

// trySubmit enqueues job without blocking.
// Returns: false when backlog is full.
func (p *workerPool) trySubmit(job func()) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// close stops accepting jobs and waits for queued ones to finish.
func (p *workerPool) close() {
	close(p.jobs)
	p.wg.Wait()
}

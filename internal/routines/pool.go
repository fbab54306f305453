// Package routines provides a pool of go-routines that run queued functions.
package routines

import "sync"

// Pool runs queued functions concurrently in a fixed number of go-routines.
type Pool struct {
	workCh chan func()
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewPool creates a pool and starts workers go-routines.
func NewPool(workers int) *Pool {
	if workers < 1 {
		panic("workers must be >=1")
	}

	p := Pool{
		workCh: make(chan func(), workers),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return &p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for f := range p.workCh {
		f()
	}
}

// Queue schedules f to be run by a worker.
// It blocks when all workers are busy and the queue is full.
// Calling Queue after Wait panics.
func (p *Pool) Queue(f func()) {
	p.workCh <- f
}

// Wait waits until all queued functions finished and terminates the
// workers.
func (p *Pool) Wait() {
	p.closeOnce.Do(func() {
		close(p.workCh)
	})

	p.wg.Wait()
}

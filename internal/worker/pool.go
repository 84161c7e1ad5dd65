package worker

import "sync"

// Pool bounds the number of tasks running at once. The scheduler fans
// per-enrollment dispatches out over it within a tick; admission safety is
// the concurrency manager's job, so tasks are free to run in parallel.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Submit blocks until a slot is free, then runs fn on its own goroutine.
func (p *Pool) Submit(fn func()) {
	p.sem <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

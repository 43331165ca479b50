package txvalidator

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("validator pool closed")

type task struct {
	tx     *SealedTx
	result chan result
}

type result struct {
	verdict *Verdict
	err     error
}

// Pool fans sealed transactions out to a fixed set of validator workers.
// Validation is CPU-bound and independent per transaction, so throughput
// scales with the worker count.
type Pool struct {
	validator *Validator
	tasks     chan task

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines over v.
func NewPool(v *Validator, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		validator: v,
		tasks:     make(chan task, workers*2),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		verdict, err := p.validator.Validate(t.tx)
		t.result <- result{verdict: verdict, err: err}
	}
}

// Submit validates tx on a pool worker and waits for the verdict. Safe for
// concurrent use; ctx bounds the wait.
func (p *Pool) Submit(ctx context.Context, tx *SealedTx) (*Verdict, error) {
	t := task{tx: tx, result: make(chan result, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.tasks <- t
	p.mu.Unlock()

	select {
	case r := <-t.result:
		return r.verdict, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close drains in-flight work and stops the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

package session

import "sync"

// Promise is a single-assignment value. The first Complete wins; later
// calls are discarded and report false.
type Promise[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
	set   bool
}

// NewPromise creates an unresolved promise
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Complete resolves the promise with v if it is still unresolved
func (p *Promise[T]) Complete(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set {
		return false
	}
	p.value = v
	p.set = true
	close(p.done)
	return true
}

// Done is closed once the promise resolves
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Value returns the resolved value and whether there is one
func (p *Promise[T]) Value() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.set
}

package swift

import "sync"

// dispatchQueue runs delegate callbacks one at a time in submission order,
// off the wire's read loop.
type dispatchQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
	closed  bool
}

func (q *dispatchQueue) async(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *dispatchQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.closed {
			q.pending = nil
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
	}
}

// close drops queued callbacks that have not started yet
func (q *dispatchQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

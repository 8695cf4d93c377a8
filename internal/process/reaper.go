package process

import (
	"errors"
	"sync"
)

// ErrReaperClosed is returned by Subscribe after Close.
var ErrReaperClosed = errors.New("process: reaper closed")

// ExitNotice announces the termination of one child.
type ExitNotice struct {
	PID      int
	ExitCode int
	// Err is set when waiting on the child failed for a reason other than a
	// non-zero exit.
	Err error
}

// Reaper correlates exit notices with the execution waiting for them. A
// notice may arrive before its waiter subscribes; it is then held until the
// subscription. The pid maps are guarded by a single mutex.
type Reaper struct {
	notices chan ExitNotice
	done    chan struct{}

	mu      sync.Mutex
	waiters map[int]chan ExitNotice
	pending map[int]ExitNotice
	closed  bool
}

// NewReaper returns a Reaper. Run must be started before notices are
// delivered.
func NewReaper() *Reaper {
	return &Reaper{
		notices: make(chan ExitNotice),
		done:    make(chan struct{}),
		waiters: make(map[int]chan ExitNotice),
		pending: make(map[int]ExitNotice),
	}
}

// Run dispatches notices until Close is called.
func (r *Reaper) Run() {
	for {
		select {
		case n := <-r.notices:
			r.dispatch(n)
		case <-r.done:
			return
		}
	}
}

// Notify hands a notice to the dispatch loop. It returns without delivering
// once the reaper is closed.
func (r *Reaper) Notify(n ExitNotice) {
	select {
	case r.notices <- n:
	case <-r.done:
	}
}

// Subscribe registers interest in pid. The returned channel receives exactly
// one notice. Subscribing twice to the same pid replaces the first waiter.
func (r *Reaper) Subscribe(pid int) (<-chan ExitNotice, error) {
	ch := make(chan ExitNotice, 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrReaperClosed
	}
	if n, ok := r.pending[pid]; ok {
		delete(r.pending, pid)
		ch <- n
		return ch, nil
	}
	r.waiters[pid] = ch
	return ch, nil
}

// Pending reports the number of notices nobody subscribed to yet.
func (r *Reaper) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close stops the dispatch loop. It is safe to call more than once.
func (r *Reaper) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.done)
}

func (r *Reaper) dispatch(n ExitNotice) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.waiters[n.PID]; ok {
		delete(r.waiters, n.PID)
		ch <- n
		return
	}
	r.pending[n.PID] = n
}

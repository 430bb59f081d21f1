package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/local/tenderpipe/internal/job"
)

// Policy decides what Enqueue does when the queue is at capacity.
type Policy string

const (
	PolicyBlock        Policy = "block"
	PolicyReject       Policy = "reject"
	PolicyBlockTimeout Policy = "block_with_timeout"
)

var (
	// ErrFull is returned when the queue is at capacity and the policy
	// does not allow waiting any longer.
	ErrFull = errors.New("queue full")
	// ErrClosed is returned once the queue has been shut down.
	ErrClosed = errors.New("queue closed")
)

// Options configures a queue.
type Options struct {
	Capacity int
	Policy   Policy
	// Wait bounds the blocking time under PolicyBlockTimeout.
	Wait time.Duration
}

// Queue is a bounded in-memory priority queue ordered by (priority desc,
// submitted-at asc). Dequeue blocks until an item arrives or the queue
// closes. All methods are safe for concurrent use.
type Queue struct {
	opts Options

	mu    sync.Mutex
	items entries
	seq   uint64

	space  chan struct{}
	avail  chan struct{}
	closed chan struct{}
	once   sync.Once
}

// New builds a queue. Capacity must be positive.
func New(opts Options) *Queue {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	q := &Queue{
		opts:   opts,
		space:  make(chan struct{}, opts.Capacity),
		avail:  make(chan struct{}, opts.Capacity),
		closed: make(chan struct{}),
	}
	for i := 0; i < opts.Capacity; i++ {
		q.space <- struct{}{}
	}
	return q
}

// Enqueue adds a job according to the configured full-queue policy.
func (q *Queue) Enqueue(ctx context.Context, j *job.Job) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	switch q.opts.Policy {
	case PolicyReject:
		select {
		case <-q.space:
		default:
			return ErrFull
		}
	case PolicyBlockTimeout:
		t := time.NewTimer(q.opts.Wait)
		defer t.Stop()
		select {
		case <-q.space:
		case <-t.C:
			return ErrFull
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return ErrClosed
		}
	default: // PolicyBlock
		select {
		case <-q.space:
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return ErrClosed
		}
	}

	q.mu.Lock()
	select {
	case <-q.closed:
		q.mu.Unlock()
		return ErrClosed
	default:
	}
	q.seq++
	heap.Push(&q.items, entry{j: j, seq: q.seq})
	q.mu.Unlock()

	q.avail <- struct{}{}
	return nil
}

// Dequeue removes the highest-priority job, blocking until one is
// available, the context ends, or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (*job.Job, error) {
	select {
	case <-q.closed:
		return nil, ErrClosed
	default:
	}

	select {
	case <-q.avail:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		return nil, ErrClosed
	}

	q.mu.Lock()
	if q.items.Len() == 0 {
		// Drain raced us to the items.
		q.mu.Unlock()
		return nil, ErrClosed
	}
	e := heap.Pop(&q.items).(entry)
	q.mu.Unlock()

	select {
	case q.space <- struct{}{}:
	default:
	}
	return e.j, nil
}

// Len reports how many jobs are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close refuses new enqueues and wakes every blocked caller. Jobs still
// queued are handed back via Drain. Close is idempotent.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.closed) })
}

// Drain empties the queue after Close, returning leftovers in dequeue
// order so the caller can fail them.
func (q *Queue) Drain() []*job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*job.Job, 0, q.items.Len())
	for q.items.Len() > 0 {
		e := heap.Pop(&q.items).(entry)
		out = append(out, e.j)
	}
	return out
}

type entry struct {
	j   *job.Job
	seq uint64
}

// entries implements heap.Interface with priority desc, submitted-at asc
// and arrival order as the final tiebreak.
type entries []entry

func (e entries) Len() int { return len(e) }

func (e entries) Less(i, j int) bool {
	a, b := e[i], e[j]
	if a.j.Priority != b.j.Priority {
		return a.j.Priority > b.j.Priority
	}
	if !a.j.SubmittedAt.Equal(b.j.SubmittedAt) {
		return a.j.SubmittedAt.Before(b.j.SubmittedAt)
	}
	return a.seq < b.seq
}

func (e entries) Swap(i, j int) { e[i], e[j] = e[j], e[i] }

func (e *entries) Push(x any) { *e = append(*e, x.(entry)) }

func (e *entries) Pop() any {
	old := *e
	n := len(old)
	it := old[n-1]
	*e = old[:n-1]
	return it
}

package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/tenderpipe/internal/job"
)

// Record tracks one job from submission to terminal status. The job
// descriptor is immutable; lifecycle state is guarded by the record mutex
// and terminal writes happen exactly once.
type Record struct {
	Job *job.Job

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	status     job.Status
	startedAt  time.Time
	endedAt    time.Time
	outcome    job.Outcome
	terminalAt time.Time

	done chan struct{}
}

// Context carries the job's cancellation signal and deadline.
func (r *Record) Context() context.Context { return r.ctx }

// Done is closed when the job reaches a terminal status.
func (r *Record) Done() <-chan struct{} { return r.done }

// Status returns the current lifecycle state.
func (r *Record) Status() job.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run transitions pending → running. It reports false when the job is no
// longer pending (already cancelled or completed).
func (r *Record) Run(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != job.StatusPending {
		return false
	}
	r.status = job.StatusRunning
	r.startedAt = now
	return true
}

// Complete writes the terminal status exactly once. Later calls are
// ignored and reported as false.
func (r *Record) Complete(out job.Outcome) bool {
	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return false
	}
	now := time.Now()
	out.JobID = r.Job.ID
	out.StartedAt = r.startedAt
	out.EndedAt = now
	r.status = out.Status
	r.endedAt = now
	r.terminalAt = now
	r.outcome = out
	r.mu.Unlock()

	r.cancel()
	close(r.done)
	return true
}

// Outcome returns the job's current view: terminal outcome when finished,
// otherwise just the live status.
func (r *Record) Outcome() job.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return r.outcome
	}
	return job.Outcome{JobID: r.Job.ID, Status: r.status, StartedAt: r.startedAt}
}

// Cancel trips the job's cancellation signal. It reports whether the job
// was still live.
func (r *Record) Cancel() bool {
	r.mu.Lock()
	live := !r.status.Terminal()
	r.mu.Unlock()
	if live {
		r.cancel()
	}
	return live
}

// Registry holds every known job record in memory. Terminal records are
// evicted after the retention period by the sweeper.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Record

	retention time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewRegistry builds a registry that forgets terminal jobs after
// retention.
func NewRegistry(retention time.Duration) *Registry {
	return &Registry{
		jobs:      make(map[string]*Record),
		retention: retention,
		stop:      make(chan struct{}),
	}
}

// Add registers a job and binds its context to parent. The returned
// record starts pending.
func (g *Registry) Add(parent context.Context, j *job.Job) *Record {
	var ctx context.Context
	var cancel context.CancelFunc
	if !j.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(parent, j.Deadline)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	r := &Record{
		Job:    j,
		ctx:    ctx,
		cancel: cancel,
		status: job.StatusPending,
		done:   make(chan struct{}),
	}
	g.mu.Lock()
	g.jobs[j.ID] = r
	g.mu.Unlock()
	return r
}

// Get looks a record up by job id.
func (g *Registry) Get(id string) (*Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.jobs[id]
	return r, ok
}

// Remove drops a record immediately. Used when an enqueue fails after
// registration.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	delete(g.jobs, id)
	g.mu.Unlock()
}

// Len reports how many records are held.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.jobs)
}

// StartSweeper evicts expired terminal records on the given interval
// until Close is called.
func (g *Registry) StartSweeper(interval time.Duration) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				g.sweep(time.Now())
			}
		}
	}()
}

func (g *Registry) sweep(now time.Time) {
	cutoff := now.Add(-g.retention)
	var evicted int
	g.mu.Lock()
	for id, r := range g.jobs {
		r.mu.Lock()
		gone := r.status.Terminal() && r.terminalAt.Before(cutoff)
		r.mu.Unlock()
		if gone {
			delete(g.jobs, id)
			evicted++
		}
	}
	g.mu.Unlock()
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("registry sweep")
	}
}

// Close stops the sweeper.
func (g *Registry) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
	g.wg.Wait()
}

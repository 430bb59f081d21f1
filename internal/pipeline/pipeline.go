// Package pipeline is the public facade: it wires the processing graph
// and exposes submit, await, cancel, health and metrics. It performs
// validation and delegation only; all pipeline logic lives below it.
package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/local/tenderpipe/internal/ai"
	"github.com/local/tenderpipe/internal/cache"
	"github.com/local/tenderpipe/internal/config"
	"github.com/local/tenderpipe/internal/extract"
	"github.com/local/tenderpipe/internal/health"
	"github.com/local/tenderpipe/internal/job"
	"github.com/local/tenderpipe/internal/metrics"
	"github.com/local/tenderpipe/internal/prompt"
	"github.com/local/tenderpipe/internal/queue"
	"github.com/local/tenderpipe/internal/scheduler"
	"github.com/local/tenderpipe/internal/store"
	"github.com/local/tenderpipe/internal/taskerr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type state int

const (
	stateNew state = iota
	stateStarted
	stateClosed
)

// Pipeline owns the full processing graph. One instance per process.
type Pipeline struct {
	cfg       *config.Config
	queue     *queue.Queue
	registry  *store.Registry
	extractor *extract.Extractor
	library   *prompt.Library
	cache     *cache.Cache
	monitor   *health.Monitor
	recorder  *metrics.Recorder
	sched     *scheduler.Scheduler

	mu         sync.Mutex
	state      state
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New builds the pipeline from configuration. Nothing runs until Start.
func New(cfg *config.Config) (*Pipeline, error) {
	library, err := prompt.NewLibrary(cfg.Prompt.TemplateVersion)
	if err != nil {
		return nil, err
	}

	client := ai.NewOllamaClient(cfg.Model.RuntimeURL)
	recorder := metrics.NewRecorder(cfg.Metrics.WindowSamples)

	p := &Pipeline{
		cfg:      cfg,
		library:  library,
		recorder: recorder,
		queue: queue.New(queue.Options{
			Capacity: cfg.Queue.Capacity,
			Policy:   queue.Policy(cfg.Queue.Policy),
			Wait:     cfg.Queue.EnqueueWait,
		}),
		registry: store.NewRegistry(cfg.Runtime.JobRetention),
		extractor: extract.New(extract.Options{
			MaxDocumentBytes:    cfg.Extract.MaxDocumentBytes,
			OCRThreshold:        cfg.Extract.OCRFallbackThreshold,
			OCRLanguages:        cfg.Extract.OCRLanguages,
			TempDir:             cfg.Extract.TempDir,
			EnableOfficeConvert: cfg.Extract.EnableOfficeConvert,
		}),
		cache: cache.New(cache.Options{
			MaxEntries: cfg.Cache.MaxEntries,
			MaxBytes:   cfg.Cache.MaxBytes,
			DefaultTTL: cfg.Cache.DefaultTTL,
		}),
		monitor: health.NewMonitor(client, cfg.Health.ProbeInterval, cfg.Health.FailureThreshold),
	}

	invoker := ai.NewInvoker(client, cfg.Retry.MaxRetries, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
	optimizer := scheduler.NewOptimizer(recorder, cfg.Model.DefaultTier, cfg.Model.RequestTimeout)
	p.sched = scheduler.New(cfg, scheduler.Deps{
		Queue:     p.queue,
		Registry:  p.registry,
		Extractor: p.extractor,
		Library:   p.library,
		Invoker:   invoker,
		Cache:     p.cache,
		Health:    p.monitor,
		Recorder:  recorder,
		Optimizer: optimizer,
	})
	return p, nil
}

// Start brings the pipeline up: health prober, temp sweeper, registry
// sweeper, worker pool. Calling Start twice is a no-op.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateStarted:
		return nil
	case stateClosed:
		return taskerr.New(taskerr.CodeInternal, "pipeline", "pipeline already closed")
	}

	p.rootCtx, p.rootCancel = context.WithCancel(context.Background())
	p.monitor.Start(p.rootCtx)
	p.extractor.Start()
	p.registry.StartSweeper(time.Minute)
	p.sched.Start(p.rootCtx)
	p.state = stateStarted
	log.Info().Msg("pipeline started")
	return nil
}

// Close shuts the pipeline down in two phases: stop intake and let
// workers drain within the grace period, then force-cancel whatever is
// still running. Idempotent; ctx bounds the total wait.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateStarted {
		p.mu.Unlock()
		return nil
	}
	p.state = stateClosed
	p.mu.Unlock()

	log.Info().Msg("pipeline shutting down")
	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.sched.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.cfg.Runtime.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		log.Warn().Dur("grace", p.cfg.Runtime.ShutdownGrace).Msg("grace period over, cancelling in-flight jobs")
		p.rootCancel()
		select {
		case <-done:
		case <-ctx.Done():
			return taskerr.FromContext("pipeline", ctx.Err())
		}
	case <-ctx.Done():
		p.rootCancel()
		<-done
	}

	// Jobs still queued never reached a worker; settle them as cancelled.
	for _, j := range p.queue.Drain() {
		if rec, ok := p.registry.Get(j.ID); ok {
			rec.Complete(job.Outcome{
				JobID:   j.ID,
				Status:  job.StatusCancelled,
				Code:    taskerr.CodeCancelled,
				Message: "pipeline shut down before the job ran",
			})
		}
	}

	p.rootCancel()
	p.monitor.Stop()
	p.extractor.Close()
	p.registry.Close()
	log.Info().Msg("pipeline stopped")
	return nil
}

// Submit validates the job spec, registers the job and enqueues it. The
// returned handle is the job id. A deadline already in the past yields a
// handle whose job is terminally timed_out without ever dispatching.
func (p *Pipeline) Submit(ctx context.Context, spec job.JobSpec) (string, error) {
	p.mu.Lock()
	started := p.state == stateStarted
	rootCtx := p.rootCtx
	p.mu.Unlock()
	if !started {
		return "", taskerr.New(taskerr.CodeQueueFull, "pipeline", "pipeline is not accepting jobs")
	}

	if err := validateSpec(spec); err != nil {
		return "", err
	}

	now := time.Now()
	j := job.New(spec, now)

	if !j.Deadline.IsZero() && !j.Deadline.After(now) {
		rec := p.registry.Add(rootCtx, j)
		rec.Complete(job.Outcome{
			JobID:   j.ID,
			Status:  job.StatusTimedOut,
			Code:    taskerr.CodeTimedOut,
			Message: "deadline had already passed at submission",
		})
		log.Warn().Str("job_id", j.ID).Time("deadline", j.Deadline).Msg("job submitted past its deadline")
		return j.ID, nil
	}

	p.registry.Add(rootCtx, j)
	if err := p.queue.Enqueue(ctx, j); err != nil {
		p.registry.Remove(j.ID)
		switch {
		case errors.Is(err, queue.ErrFull):
			return "", taskerr.New(taskerr.CodeQueueFull, "pipeline", "job queue is full")
		case errors.Is(err, queue.ErrClosed):
			return "", taskerr.New(taskerr.CodeQueueFull, "pipeline", "pipeline is shutting down")
		default:
			return "", taskerr.FromContext("pipeline", err)
		}
	}
	metrics.SetQueueDepth(p.queue.Len())

	log.Debug().
		Str("job_id", j.ID).
		Str("correlation_id", j.CorrelationID).
		Str("task", string(j.Task)).
		Str("priority", j.Priority.String()).
		Msg("job submitted")
	return j.ID, nil
}

// Await blocks until the job reaches a terminal status or wait elapses.
// It never cancels the job. With wait <= 0 it reports the current status
// immediately.
func (p *Pipeline) Await(ctx context.Context, handle string, wait time.Duration) (job.Outcome, error) {
	rec, ok := p.registry.Get(handle)
	if !ok {
		return job.Outcome{}, taskerr.Newf(taskerr.CodeUnknownHandle, "pipeline", "unknown job handle %q", handle)
	}
	if wait <= 0 {
		return rec.Outcome(), nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-rec.Done():
	case <-timer.C:
	case <-ctx.Done():
		return job.Outcome{}, taskerr.FromContext("pipeline", ctx.Err())
	}
	return rec.Outcome(), nil
}

// Cancel requests cancellation. True means the signal was delivered to a
// live job; false means the job was already terminal.
func (p *Pipeline) Cancel(handle string) (bool, error) {
	rec, ok := p.registry.Get(handle)
	if !ok {
		return false, taskerr.Newf(taskerr.CodeUnknownHandle, "pipeline", "unknown job handle %q", handle)
	}
	cancelled := rec.Cancel()
	if cancelled {
		log.Info().Str("job_id", handle).Msg("job cancellation requested")
	}
	return cancelled, nil
}

// Health returns the current runtime health snapshot.
func (p *Pipeline) Health() *health.Snapshot { return p.monitor.Snapshot() }

// Metrics aggregates ring samples matching the query.
func (p *Pipeline) Metrics(q metrics.Query) metrics.Aggregates { return p.recorder.Aggregate(q) }

// CacheStats exposes cache occupancy for diagnostics.
func (p *Pipeline) CacheStats() cache.Stats { return p.cache.Stats() }

// QueueDepth is the number of jobs waiting for a worker.
func (p *Pipeline) QueueDepth() int { return p.queue.Len() }

func validateSpec(spec job.JobSpec) error {
	if !spec.Task.Known() {
		return taskerr.Newf(taskerr.CodeValidationFailed, "pipeline", "unknown task kind %q", spec.Task)
	}
	if err := validate.Struct(spec); err != nil {
		return taskerr.Wrap(taskerr.CodeValidationFailed, "pipeline", err, "invalid job spec")
	}

	if spec.Task == job.TaskBatch {
		if spec.Batch == nil {
			return taskerr.New(taskerr.CodeValidationFailed, "pipeline", "batch jobs need a batch spec")
		}
		if !spec.Batch.Kind.Known() || spec.Batch.Kind == job.TaskBatch {
			return taskerr.Newf(taskerr.CodeValidationFailed, "pipeline", "invalid batch inner kind %q", spec.Batch.Kind)
		}
		for i, item := range spec.Batch.Items {
			if err := validateInput(item.Input); err != nil {
				return taskerr.Wrap(taskerr.CodeValidationFailed, "pipeline", err, "batch item "+strconv.Itoa(i))
			}
		}
		return nil
	}

	if spec.Batch != nil {
		return taskerr.Newf(taskerr.CodeValidationFailed, "pipeline", "task %q does not accept a batch spec", spec.Task)
	}
	if err := validateInput(spec.Input); err != nil {
		return taskerr.Wrap(taskerr.CodeValidationFailed, "pipeline", err, "invalid input")
	}
	return nil
}

func validateInput(in job.InputRef) error {
	if in.Path == "" && len(in.Data) == 0 {
		return errors.New("input needs a path or inline data")
	}
	if in.Path != "" && len(in.Data) > 0 {
		return errors.New("input path and inline data are mutually exclusive")
	}
	if in.Path != "" && !filepath.IsAbs(in.Path) {
		return errors.New("input path must be absolute")
	}
	return nil
}

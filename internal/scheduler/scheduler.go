// Package scheduler runs the worker pool at the heart of the pipeline:
// dequeue, execute per task kind, settle the job record, record metrics.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/local/tenderpipe/internal/ai"
	"github.com/local/tenderpipe/internal/cache"
	"github.com/local/tenderpipe/internal/config"
	"github.com/local/tenderpipe/internal/extract"
	"github.com/local/tenderpipe/internal/health"
	"github.com/local/tenderpipe/internal/job"
	"github.com/local/tenderpipe/internal/metrics"
	"github.com/local/tenderpipe/internal/prompt"
	"github.com/local/tenderpipe/internal/queue"
	"github.com/local/tenderpipe/internal/store"
	"github.com/local/tenderpipe/internal/taskerr"
)

// Deps are the pipeline components the scheduler drives.
type Deps struct {
	Queue     *queue.Queue
	Registry  *store.Registry
	Extractor *extract.Extractor
	Library   *prompt.Library
	Invoker   *ai.Invoker
	Cache     *cache.Cache
	Health    *health.Monitor
	Recorder  *metrics.Recorder
	Optimizer *Optimizer
}

// Scheduler owns the fixed worker pool and the global model-call rate
// limit that all workers draw from.
type Scheduler struct {
	cfg     *config.Config
	deps    Deps
	limiter *rate.Limiter
	wg      sync.WaitGroup
}

func New(cfg *config.Config, deps Deps) *Scheduler {
	limit := rate.Inf
	if r := cfg.Workers.RateLimitPerMinute; r > 0 {
		limit = rate.Every(time.Minute / time.Duration(r))
	}
	return &Scheduler{
		cfg:     cfg,
		deps:    deps,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Start launches the worker pool. Workers exit when the queue closes or
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers.Count; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	log.Info().Int("workers", s.cfg.Workers.Count).Int("rate_limit_per_minute", s.cfg.Workers.RateLimitPerMinute).Msg("scheduler started")
}

// Wait blocks until every worker has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	log.Debug().Int("worker", id).Msg("worker started")
	for {
		j, err := s.deps.Queue.Dequeue(ctx)
		if err != nil {
			log.Debug().Int("worker", id).Msg("worker stopped")
			return
		}
		metrics.SetQueueDepth(s.deps.Queue.Len())
		s.runJob(ctx, id, j)
	}
}

// runJob executes one job start to finish. A panic in any stage fails the
// job with internal-error and leaves the worker alive.
func (s *Scheduler) runJob(ctx context.Context, id int, j *job.Job) {
	rec, ok := s.deps.Registry.Get(j.ID)
	if !ok {
		log.Warn().Str("job_id", j.ID).Msg("dequeued job has no registry record")
		return
	}
	if !rec.Run(time.Now()) {
		// Already terminal, e.g. cancelled while still queued.
		return
	}

	metrics.WorkerBusy(1)
	defer metrics.WorkerBusy(-1)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int("worker", id).
				Str("job_id", j.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			out := job.Outcome{
				JobID:   j.ID,
				Status:  job.StatusFailed,
				Code:    taskerr.CodeInternal,
				Message: "internal error while running job",
			}
			s.settle(rec, j, out, start)
		}
	}()

	out := s.execute(rec.Context(), j)
	s.settle(rec, j, out, start)
}

// settle writes the terminal outcome exactly once and records the job
// sample both in the ring and in Prometheus.
func (s *Scheduler) settle(rec *store.Record, j *job.Job, out job.Outcome, start time.Time) {
	if !rec.Complete(out) {
		return
	}
	elapsed := time.Since(start)

	outcome := string(out.Status)
	if out.Status == job.StatusFailed && out.Code != "" {
		outcome = string(out.Code)
	}

	s.deps.Recorder.Record(metrics.Sample{
		Operation: metrics.OpJob,
		Task:      string(j.Task),
		Tier:      tierOf(out),
		Outcome:   jobRingOutcome(out),
		Latency:   elapsed,
		TokensIn:  tokensIn(out),
		TokensOut: tokensOut(out),
	})
	metrics.ObserveJob(string(j.Task), outcome, elapsed)

	evt := log.Info()
	if out.Status != job.StatusSucceeded {
		evt = log.Warn()
	}
	evt.
		Str("job_id", j.ID).
		Str("correlation_id", j.CorrelationID).
		Str("task", string(j.Task)).
		Str("status", string(out.Status)).
		Str("code", string(out.Code)).
		Dur("duration", elapsed).
		Msg("job finished")
}

func (s *Scheduler) execute(ctx context.Context, j *job.Job) job.Outcome {
	if err := ctx.Err(); err != nil {
		return failure(j, taskerr.FromContext("scheduler", err))
	}
	switch j.Task {
	case job.TaskExtractText:
		return s.runExtract(ctx, j)
	case job.TaskBatch:
		return s.runBatch(ctx, j)
	case job.TaskExtractTender, job.TaskAnalyzeRisk, job.TaskGenerateQuotation:
		return s.runModelTask(ctx, j)
	default:
		return failure(j, taskerr.Newf(taskerr.CodeValidationFailed, "scheduler", "unknown task kind %q", j.Task))
	}
}

func failure(j *job.Job, err error) job.Outcome {
	code := taskerr.CodeOf(err)
	return job.Outcome{
		JobID:   j.ID,
		Status:  job.StatusForCode(code),
		Code:    code,
		Message: err.Error(),
	}
}

func jobRingOutcome(out job.Outcome) string {
	if out.Status == job.StatusSucceeded {
		return metrics.OutcomeSuccess
	}
	return string(out.Code)
}

func tierOf(out job.Outcome) string {
	if out.Result != nil {
		return string(out.Result.Tier)
	}
	return ""
}

func tokensIn(out job.Outcome) int {
	if out.Result != nil {
		return out.Result.TokensIn
	}
	return 0
}

func tokensOut(out job.Outcome) int {
	if out.Result != nil {
		return out.Result.TokensOut
	}
	return 0
}

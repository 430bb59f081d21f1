package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/tenderpipe/internal/ai"
	"github.com/local/tenderpipe/internal/job"
	"github.com/local/tenderpipe/internal/metrics"
	"github.com/local/tenderpipe/internal/prompt"
	"github.com/local/tenderpipe/internal/taskerr"
)

// responseReserve is the token allowance for the model's reply, on top of
// the prompt budget.
const responseReserve = 2048

// batchFanout caps how many children of one batch run at once.
const batchFanout = 4

// runExtract is the extract_text pipeline: extraction only, no model.
func (s *Scheduler) runExtract(ctx context.Context, j *job.Job) job.Outcome {
	ext, err := s.extractStage(ctx, j)
	if err != nil {
		return failure(j, err)
	}
	return job.Outcome{
		JobID:     j.ID,
		Status:    job.StatusSucceeded,
		Extracted: ext,
	}
}

// runModelTask is the model-bound pipeline: extract, fingerprint, cache
// lookup, and on a miss the gated model call inside the fingerprint's
// single flight.
func (s *Scheduler) runModelTask(ctx context.Context, j *job.Job) job.Outcome {
	ext, err := s.extractStage(ctx, j)
	if err != nil {
		return failure(j, err)
	}

	inputs := buildInputs(j, ext)
	tier, timeout := s.deps.Optimizer.Plan(j.Task, j.Deadline, time.Now())
	model := s.cfg.Model.ModelFor(tier)
	fp := prompt.Fingerprint(j.Task, s.deps.Library.Version(), tier, inputs)

	lookupStart := time.Now()
	res, hit, err := s.deps.Cache.Do(ctx, fp, s.cfg.Cache.DefaultTTL, func(fctx context.Context) (*job.AIResult, error) {
		return s.callModel(fctx, j, tier, model, fp, inputs, timeout)
	})
	if err != nil {
		return failure(j, err)
	}
	if hit {
		s.deps.Recorder.Record(metrics.Sample{
			Operation: metrics.OpCache,
			Task:      string(j.Task),
			Tier:      string(res.Tier),
			Outcome:   metrics.OutcomeCacheHit,
			Latency:   time.Since(lookupStart),
		})
		log.Debug().Str("job_id", j.ID).Str("fingerprint", fp).Msg("cache hit")
	}

	return job.Outcome{
		JobID:     j.ID,
		Status:    job.StatusSucceeded,
		Extracted: ext,
		Result:    res,
	}
}

// extractStage runs C1 and records its sample.
func (s *Scheduler) extractStage(ctx context.Context, j *job.Job) (*job.ExtractedText, error) {
	start := time.Now()
	ext, err := s.deps.Extractor.Extract(ctx, j.Input)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = string(taskerr.CodeOf(err))
	}
	s.deps.Recorder.Record(metrics.Sample{
		Operation: metrics.OpExtract,
		Task:      string(j.Task),
		Outcome:   outcome,
		Latency:   time.Since(start),
	})
	return ext, err
}

// callModel is the single-flight leader body: health gate, render, rate
// limit, model call, structured parse. Every follower shares its result.
func (s *Scheduler) callModel(ctx context.Context, j *job.Job, tier job.Tier, model, fp string, inputs map[string]string, timeout time.Duration) (*job.AIResult, error) {
	if !s.deps.Health.Ready(model) {
		return nil, taskerr.Newf(taskerr.CodeModelUnavailable, "scheduler", "model %q is not ready", model)
	}

	rendered, err := s.deps.Library.Render(j.Task, inputs, tier)
	if err != nil {
		return nil, err
	}
	if rendered.Truncated {
		log.Warn().
			Str("job_id", j.ID).
			Strs("fields", rendered.TruncatedFields).
			Str("tier", string(tier)).
			Msg("prompt inputs truncated to fit context budget")
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, taskerr.FromContext("scheduler", err)
	}

	req := ai.Request{
		Model:  model,
		Prompt: rendered.Prompt,
		Options: ai.Options{
			Temperature: 0.1,
			NumCtx:      prompt.ContextBudget(tier) + responseReserve,
			NumPredict:  responseReserve,
		},
	}
	callStart := time.Now()
	resp, structured, err := s.deps.Invoker.GenerateStructured(ctx, j.Task, req, timeout)

	sample := metrics.Sample{
		Operation: metrics.OpModel,
		Task:      string(j.Task),
		Tier:      string(tier),
		Latency:   resp.Elapsed,
	}
	if err != nil {
		sample.Outcome = string(taskerr.CodeOf(err))
		sample.Latency = time.Since(callStart)
		s.deps.Recorder.Record(sample)
		if taskerr.Is(err, taskerr.CodeModelUnavailable) {
			s.deps.Health.ReportUnavailable(model)
		}
		return nil, err
	}
	sample.Outcome = metrics.OutcomeSuccess
	sample.TokensIn = resp.TokensIn
	sample.TokensOut = resp.TokensOut
	s.deps.Recorder.Record(sample)

	return &job.AIResult{
		Task:        j.Task,
		Tier:        tier,
		Model:       model,
		Raw:         resp.Text,
		Structured:  structured,
		Confidence:  confidenceOf(structured),
		TokensIn:    resp.TokensIn,
		TokensOut:   resp.TokensOut,
		Latency:     resp.Elapsed,
		Fingerprint: fp,
		CompletedAt: time.Now(),
	}, nil
}

// runBatch fans a batch out into child jobs of the inner kind and
// aggregates their outcomes. Children run inside this worker's slot with
// bounded parallelism; cancelling the batch cancels every child.
func (s *Scheduler) runBatch(ctx context.Context, j *job.Job) job.Outcome {
	spec := j.Batch
	if spec == nil {
		return failure(j, taskerr.New(taskerr.CodeValidationFailed, "scheduler", "batch job carries no batch spec"))
	}

	children := make([]job.BatchChildOutcome, len(spec.Items))
	now := time.Now()

	var g errgroup.Group
	limit := batchFanout
	if len(spec.Items) < limit {
		limit = len(spec.Items)
	}
	g.SetLimit(limit)

	for i, item := range spec.Items {
		i := i
		cj := job.New(job.JobSpec{
			Task:          spec.Kind,
			Input:         item.Input,
			Params:        item.Params,
			Priority:      j.Priority,
			Deadline:      j.Deadline,
			CorrelationID: j.CorrelationID,
		}, now)
		rec := s.deps.Registry.Add(ctx, cj)

		g.Go(func() error {
			var out job.Outcome
			if !rec.Run(time.Now()) {
				out = rec.Outcome()
			} else {
				out = s.execute(rec.Context(), cj)
				rec.Complete(out)
			}
			children[i] = job.BatchChildOutcome{
				JobID:   cj.ID,
				Status:  out.Status,
				Code:    string(out.Code),
				Message: out.Message,
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return failure(j, taskerr.FromContext("scheduler", err))
	}

	result := &job.BatchResult{Kind: spec.Kind, Total: len(children), Children: children}
	for _, c := range children {
		if c.Status == job.StatusSucceeded {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	log.Info().
		Str("job_id", j.ID).
		Int("total", result.Total).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("batch finished")

	return job.Outcome{
		JobID:  j.ID,
		Status: job.StatusSucceeded,
		Batch:  result,
	}
}

// buildInputs merges caller params with the extracted document. Caller
// params never override the document text.
func buildInputs(j *job.Job, ext *job.ExtractedText) map[string]string {
	inputs := make(map[string]string, len(j.Params)+2)
	for k, v := range j.Params {
		inputs[k] = v
	}
	inputs["document_text"] = ext.Text
	if ext.Language != "" && ext.Language != "unknown" {
		inputs["language"] = ext.Language
	}
	return inputs
}

// confidenceOf lifts the model-reported confidence out of the structured
// value, clamped to [0,1]. A parseable reply with no stated confidence
// scores 0.5.
func confidenceOf(structured json.RawMessage) float64 {
	var v struct {
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(structured, &v); err != nil {
		return 0.5
	}
	switch {
	case v.Confidence <= 0:
		return 0.5
	case v.Confidence > 1:
		return 1
	default:
		return v.Confidence
	}
}

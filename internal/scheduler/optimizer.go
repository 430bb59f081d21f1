package scheduler

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/tenderpipe/internal/job"
	"github.com/local/tenderpipe/internal/metrics"
)

const (
	// optimizerWindow is the metrics lookback for tier decisions.
	optimizerWindow = 10 * time.Minute
	// optimizerMinSamples gates decisions on thin data.
	optimizerMinSamples = 8
	// slowP95 is the latency past which the default tier counts as slow.
	slowP95 = 20 * time.Second
	// successFloor is the success rate under which we escalate a tier.
	successFloor = 0.85
	// timeoutCeilingFactor caps the adaptive timeout at a multiple of the
	// configured request timeout.
	timeoutCeilingFactor = 4
)

// tierEstimate is the expected latency per tier when the window holds too
// few samples to know better.
var tierEstimate = map[job.Tier]time.Duration{
	job.TierSmall:    5 * time.Second,
	job.TierBalanced: 15 * time.Second,
	job.TierLarge:    45 * time.Second,
}

// Optimizer picks a model tier and per-request timeout from recent
// metrics. It reads a snapshot and mutates nothing; every decision is
// advisory and recomputed per job.
type Optimizer struct {
	recorder    *metrics.Recorder
	defaultTier job.Tier
	floor       time.Duration
}

func NewOptimizer(recorder *metrics.Recorder, defaultTier job.Tier, requestTimeout time.Duration) *Optimizer {
	return &Optimizer{recorder: recorder, defaultTier: defaultTier, floor: requestTimeout}
}

// Plan returns the tier and per-attempt timeout for one job. A deadline
// overrides the metrics-driven choice: the largest tier whose expected
// latency fits the remaining budget wins.
func (o *Optimizer) Plan(kind job.TaskKind, deadline time.Time, now time.Time) (job.Tier, time.Duration) {
	tier := o.tierFor(kind)
	timeout := o.timeoutFor(kind, tier)

	if !deadline.IsZero() {
		remaining := deadline.Sub(now)
		if fitted, ok := o.fitToDeadline(kind, remaining); ok && fitted != tier {
			log.Debug().
				Str("task", string(kind)).
				Str("tier", string(fitted)).
				Dur("remaining", remaining).
				Msg("deadline override on tier choice")
			tier = fitted
			timeout = o.timeoutFor(kind, tier)
		}
		if remaining > 0 && timeout > remaining {
			timeout = remaining
		}
	}
	return tier, timeout
}

// tierFor applies the shift policy against the default tier's recent
// samples for this task kind.
func (o *Optimizer) tierFor(kind job.TaskKind) job.Tier {
	agg := o.recorder.Aggregate(metrics.Query{
		Operation: metrics.OpModel,
		Task:      string(kind),
		Tier:      string(o.defaultTier),
		Window:    optimizerWindow,
	})
	if agg.Count < optimizerMinSamples {
		return o.defaultTier
	}
	if agg.SuccessRate < successFloor {
		return o.defaultTier.Larger()
	}
	if agg.P95 > slowP95 {
		return o.defaultTier.Smaller()
	}
	return o.defaultTier
}

// timeoutFor adapts the per-attempt timeout to observed latency:
// p95 times 1.5, floored at the configured request timeout and capped at
// four times it.
func (o *Optimizer) timeoutFor(kind job.TaskKind, tier job.Tier) time.Duration {
	agg := o.recorder.Aggregate(metrics.Query{
		Operation: metrics.OpModel,
		Task:      string(kind),
		Tier:      string(tier),
		Window:    optimizerWindow,
	})
	timeout := o.floor
	if agg.Count >= optimizerMinSamples {
		adaptive := agg.P95 + agg.P95/2
		if adaptive > timeout {
			timeout = adaptive
		}
	}
	if ceiling := o.floor * timeoutCeilingFactor; timeout > ceiling {
		timeout = ceiling
	}
	return timeout
}

// fitToDeadline picks the largest tier expected to finish inside the
// remaining budget. With no tier expected to fit, the smallest is the
// least bad choice.
func (o *Optimizer) fitToDeadline(kind job.TaskKind, remaining time.Duration) (job.Tier, bool) {
	if remaining <= 0 {
		return "", false
	}
	for _, tier := range []job.Tier{job.TierLarge, job.TierBalanced, job.TierSmall} {
		if o.expectedLatency(kind, tier) < remaining {
			return tier, true
		}
	}
	return job.TierSmall, true
}

func (o *Optimizer) expectedLatency(kind job.TaskKind, tier job.Tier) time.Duration {
	agg := o.recorder.Aggregate(metrics.Query{
		Operation: metrics.OpModel,
		Task:      string(kind),
		Tier:      string(tier),
		Window:    optimizerWindow,
	})
	if agg.Count >= optimizerMinSamples {
		return agg.P95
	}
	return tierEstimate[tier]
}

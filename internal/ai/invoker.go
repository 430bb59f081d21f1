package ai

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/tenderpipe/internal/metrics"
	"github.com/local/tenderpipe/internal/taskerr"
)

// Invoker wraps a Client with the retry policy. Only transient failures
// (runtime unreachable, per-attempt timeout) are retried; everything else
// surfaces on the first attempt.
type Invoker struct {
	client     Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewInvoker builds the retry wrapper. maxRetries counts additional
// attempts after the first, so 2 allows three calls in total.
func NewInvoker(client Client, maxRetries int, baseDelay, maxDelay time.Duration) *Invoker {
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &Invoker{client: client, maxRetries: maxRetries, baseDelay: baseDelay, maxDelay: maxDelay}
}

// Invoke runs one generation under a per-attempt timeout, retrying with
// exponential backoff. The caller's ctx carries the job deadline and
// cancellation; when it trips, the attempt loop stops immediately.
func (inv *Invoker) Invoke(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	delay := inv.baseDelay
	var lastErr error

	for attempt := 0; attempt <= inv.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.IncRetry()
			log.Debug().
				Str("model", req.Model).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Msg("retrying model call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Response{}, taskerr.FromContext("model-client", ctx.Err())
			}
			delay *= 2
			if delay > inv.maxDelay {
				delay = inv.maxDelay
			}
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		resp, err := inv.client.Generate(cctx, req)
		cancel()
		elapsed := time.Since(start)

		if err == nil {
			metrics.ObserveModel(req.Model, "success", elapsed)
			log.Debug().
				Str("model", req.Model).
				Dur("duration", elapsed).
				Int("tokens_in", resp.TokensIn).
				Int("tokens_out", resp.TokensOut).
				Msg("model call succeeded")
			return resp, nil
		}

		// The job's own deadline or cancellation wins over any attempt
		// classification.
		if cerr := ctx.Err(); cerr != nil {
			metrics.ObserveModel(req.Model, "cancelled", elapsed)
			return Response{}, taskerr.FromContext("model-client", cerr)
		}

		code := taskerr.CodeOf(err)
		metrics.ObserveModel(req.Model, string(code), elapsed)
		log.Warn().
			Err(err).
			Str("model", req.Model).
			Str("code", string(code)).
			Int("attempt", attempt+1).
			Dur("duration", elapsed).
			Msg("model call failed")

		lastErr = err
		if !taskerr.Retryable(err) {
			return Response{}, err
		}
	}
	return Response{}, lastErr
}

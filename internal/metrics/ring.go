package metrics

import (
	"sort"
	"sync"
	"time"
)

// Operation names recorded by the pipeline.
const (
	OpJob     = "job"
	OpExtract = "extract"
	OpPrompt  = "prompt"
	OpModel   = "model"
	OpCache   = "cache"
)

// Outcome values beyond the stable error codes.
const (
	OutcomeSuccess  = "success"
	OutcomeCacheHit = "cache-hit"
)

// Sample is one recorded pipeline event.
type Sample struct {
	Operation string
	Task      string
	Tier      string
	Outcome   string
	Latency   time.Duration
	TokensIn  int
	TokensOut int
	At        time.Time
}

// Query selects samples for aggregation. Zero fields match everything;
// Window limits samples to the trailing duration.
type Query struct {
	Operation string
	Task      string
	Tier      string
	Window    time.Duration
}

// Aggregates summarizes matching samples.
type Aggregates struct {
	Count       int           `json:"count"`
	Successes   int           `json:"successes"`
	SuccessRate float64       `json:"success_rate"`
	P50         time.Duration `json:"p50_ns"`
	P95         time.Duration `json:"p95_ns"`
	TokensIn    int64         `json:"tokens_in"`
	TokensOut   int64         `json:"tokens_out"`
}

// Recorder keeps a bounded ring of the last N samples per operation.
// Record never blocks and never fails; once a ring is full the oldest
// sample is overwritten.
type Recorder struct {
	mu     sync.Mutex
	window int
	rings  map[string]*ring
}

type ring struct {
	buf   []Sample
	next  int
	count int
}

// NewRecorder sizes each per-operation ring at window samples.
func NewRecorder(window int) *Recorder {
	if window < 1 {
		window = 1
	}
	return &Recorder{window: window, rings: make(map[string]*ring)}
}

// Record appends a sample to its operation's ring.
func (r *Recorder) Record(s Sample) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	r.mu.Lock()
	rg := r.rings[s.Operation]
	if rg == nil {
		rg = &ring{buf: make([]Sample, r.window)}
		r.rings[s.Operation] = rg
	}
	rg.buf[rg.next] = s
	rg.next = (rg.next + 1) % len(rg.buf)
	if rg.count < len(rg.buf) {
		rg.count++
	}
	r.mu.Unlock()
}

// Aggregate computes summary statistics over a snapshot of matching
// samples. It never mutates recorder state.
func (r *Recorder) Aggregate(q Query) Aggregates {
	samples := r.snapshot(q)

	var agg Aggregates
	if len(samples) == 0 {
		return agg
	}

	lat := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		agg.Count++
		if s.Outcome == OutcomeSuccess || s.Outcome == OutcomeCacheHit {
			agg.Successes++
		}
		agg.TokensIn += int64(s.TokensIn)
		agg.TokensOut += int64(s.TokensOut)
		lat = append(lat, s.Latency)
	}
	agg.SuccessRate = float64(agg.Successes) / float64(agg.Count)

	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	agg.P50 = percentile(lat, 0.50)
	agg.P95 = percentile(lat, 0.95)
	return agg
}

// Samples returns a copy of the current ring for one operation, oldest
// first. Intended for diagnostics and tests.
func (r *Recorder) Samples(operation string) []Sample {
	return r.snapshot(Query{Operation: operation})
}

func (r *Recorder) snapshot(q Query) []Sample {
	var cutoff time.Time
	if q.Window > 0 {
		cutoff = time.Now().Add(-q.Window)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Sample
	collect := func(rg *ring) {
		start := 0
		if rg.count == len(rg.buf) {
			start = rg.next
		}
		for i := 0; i < rg.count; i++ {
			s := rg.buf[(start+i)%len(rg.buf)]
			if q.Task != "" && s.Task != q.Task {
				continue
			}
			if q.Tier != "" && s.Tier != q.Tier {
				continue
			}
			if !cutoff.IsZero() && s.At.Before(cutoff) {
				continue
			}
			out = append(out, s)
		}
	}

	if q.Operation != "" {
		if rg := r.rings[q.Operation]; rg != nil {
			collect(rg)
		}
		return out
	}
	for _, rg := range r.rings {
		collect(rg)
	}
	return out
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(float64(len(sorted))*p+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

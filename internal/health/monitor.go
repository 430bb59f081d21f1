// Package health probes the model runtime in the background and publishes
// an atomic snapshot the scheduler consults before dispatching model-bound
// work.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/tenderpipe/internal/ai"
	"github.com/local/tenderpipe/internal/metrics"
)

const maxProbeTimeout = 5 * time.Second

// ModelHealth is one model's state on the runtime.
type ModelHealth struct {
	Name   string `json:"name"`
	Loaded bool   `json:"loaded"`
}

// Snapshot is an immutable view of runtime health. Generation increases
// with every probe, so readers can order snapshots.
type Snapshot struct {
	Reachable  bool          `json:"reachable"`
	Models     []ModelHealth `json:"models"`
	LastError  string        `json:"last_error,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
	Generation uint64        `json:"generation"`
}

// Monitor owns the probe loop. A probe failure streak past the threshold
// marks the runtime down; one success marks it up again.
type Monitor struct {
	client    ai.Client
	interval  time.Duration
	threshold int

	cur      atomic.Pointer[Snapshot]
	gen      atomic.Uint64
	failures int

	nudge    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMonitor(client ai.Client, interval time.Duration, threshold int) *Monitor {
	if threshold < 1 {
		threshold = 1
	}
	if interval <= 0 {
		interval = maxProbeTimeout
	}
	m := &Monitor{
		client:    client,
		interval:  interval,
		threshold: threshold,
		nudge:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	m.cur.Store(&Snapshot{CheckedAt: time.Now()})
	return m
}

// Start runs one probe synchronously so the first snapshot reflects the
// runtime, then continues probing in the background until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.probe(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probe(ctx)
			case <-m.nudge:
				m.probe(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the probe loop. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Snapshot returns the current health view. Never nil.
func (m *Monitor) Snapshot() *Snapshot { return m.cur.Load() }

// Ready reports whether model-bound work may be dispatched for the given
// model. Presence on the runtime counts as ready; the runtime loads
// models on first use.
func (m *Monitor) Ready(model string) bool {
	snap := m.cur.Load()
	if !snap.Reachable {
		return false
	}
	for _, mh := range snap.Models {
		if mh.Name == model || mh.Name == model+":latest" {
			return true
		}
	}
	return false
}

// ReportUnavailable feeds a model-unavailable failure from the client
// back into the gate, scheduling an immediate re-probe.
func (m *Monitor) ReportUnavailable(model string) {
	log.Warn().Str("model", model).Msg("model reported unavailable, re-probing runtime")
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

func (m *Monitor) probe(ctx context.Context) {
	timeout := m.interval
	if timeout <= 0 || timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	models, err := m.client.Models(pctx)
	prev := m.cur.Load()
	next := &Snapshot{
		CheckedAt:  time.Now(),
		Generation: m.gen.Add(1),
	}

	if err != nil {
		m.failures++
		next.LastError = err.Error()
		next.Models = prev.Models
		// Short streaks keep the previous verdict so one dropped probe
		// does not flap the gate.
		next.Reachable = prev.Reachable && m.failures < m.threshold
		if prev.Reachable && !next.Reachable {
			log.Error().Err(err).Int("failures", m.failures).Msg("model runtime marked down")
		}
	} else {
		if m.failures >= m.threshold || !prev.Reachable {
			log.Info().Int("models", len(models)).Msg("model runtime up")
		}
		m.failures = 0
		next.Reachable = true
		next.Models = make([]ModelHealth, len(models))
		for i, mi := range models {
			next.Models[i] = ModelHealth{Name: mi.Name, Loaded: mi.Loaded}
		}
	}

	m.cur.Store(next)
	metrics.SetRuntimeUp(next.Reachable)
}

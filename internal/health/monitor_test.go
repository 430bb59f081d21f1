package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/local/tenderpipe/internal/ai"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClient scripts Models responses by 1-based call number.
type fakeClient struct {
	calls atomic.Int32
	fn    func(call int) ([]ai.ModelInfo, error)
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Models(context.Context) ([]ai.ModelInfo, error) {
	return f.fn(int(f.calls.Add(1)))
}

func (f *fakeClient) Generate(context.Context, ai.Request) (ai.Response, error) {
	return ai.Response{}, errors.New("not wired")
}

func upClient(models ...string) *fakeClient {
	return &fakeClient{fn: func(int) ([]ai.ModelInfo, error) {
		infos := make([]ai.ModelInfo, len(models))
		for i, m := range models {
			infos[i] = ai.ModelInfo{Name: m, Loaded: i == 0}
		}
		return infos, nil
	}}
}

func TestInitialSnapshotIsDown(t *testing.T) {
	m := NewMonitor(upClient("llama3.1:8b"), time.Hour, 3)

	snap := m.Snapshot()
	require.NotNil(t, snap)
	assert.False(t, snap.Reachable, "unprobed runtime gates work off")
	assert.EqualValues(t, 0, snap.Generation)
	assert.False(t, m.Ready("llama3.1:8b"))
}

func TestProbeMarksUpAndReady(t *testing.T) {
	m := NewMonitor(upClient("llama3.1:8b", "phi3:mini"), time.Hour, 3)
	m.probe(context.Background())

	snap := m.Snapshot()
	assert.True(t, snap.Reachable)
	assert.EqualValues(t, 1, snap.Generation)
	require.Len(t, snap.Models, 2)
	assert.True(t, snap.Models[0].Loaded)
	assert.False(t, snap.Models[1].Loaded)

	assert.True(t, m.Ready("llama3.1:8b"))
	assert.True(t, m.Ready("phi3:mini"), "presence counts, loading happens on first use")
	assert.False(t, m.Ready("qwen2.5:72b"))
}

func TestReadyMatchesLatestAlias(t *testing.T) {
	m := NewMonitor(upClient("mistral:latest"), time.Hour, 3)
	m.probe(context.Background())

	assert.True(t, m.Ready("mistral"))
	assert.True(t, m.Ready("mistral:latest"))
	assert.False(t, m.Ready("mistral:7b"))
}

func TestFailureStreakBelowThresholdKeepsVerdict(t *testing.T) {
	client := &fakeClient{fn: func(call int) ([]ai.ModelInfo, error) {
		if call == 1 {
			return []ai.ModelInfo{{Name: "llama3.1:8b"}}, nil
		}
		return nil, errors.New("connection refused")
	}}
	m := NewMonitor(client, time.Hour, 3)
	ctx := context.Background()

	m.probe(ctx) // up
	require.True(t, m.Snapshot().Reachable)

	m.probe(ctx) // failure 1
	snap := m.Snapshot()
	assert.True(t, snap.Reachable, "one dropped probe must not flap the gate")
	assert.Contains(t, snap.LastError, "connection refused")
	assert.Len(t, snap.Models, 1, "last known models carried through the streak")

	m.probe(ctx) // failure 2
	assert.True(t, m.Snapshot().Reachable)

	m.probe(ctx) // failure 3 hits the threshold
	snap = m.Snapshot()
	assert.False(t, snap.Reachable)
	assert.EqualValues(t, 4, snap.Generation, "every probe bumps the generation")
	assert.False(t, m.Ready("llama3.1:8b"))
}

func TestSingleSuccessRecovers(t *testing.T) {
	client := &fakeClient{fn: func(call int) ([]ai.ModelInfo, error) {
		switch call {
		case 1, 2:
			return nil, errors.New("down")
		default:
			return []ai.ModelInfo{{Name: "llama3.1:8b"}}, nil
		}
	}}
	m := NewMonitor(client, time.Hour, 2)
	ctx := context.Background()

	m.probe(ctx)
	m.probe(ctx)
	require.False(t, m.Snapshot().Reachable)

	m.probe(ctx)
	assert.True(t, m.Snapshot().Reachable, "one good probe recovers the gate")
	assert.True(t, m.Ready("llama3.1:8b"))
}

func TestThresholdClampedToOne(t *testing.T) {
	client := &fakeClient{fn: func(call int) ([]ai.ModelInfo, error) {
		if call == 1 {
			return []ai.ModelInfo{{Name: "m"}}, nil
		}
		return nil, errors.New("down")
	}}
	m := NewMonitor(client, time.Hour, 0)
	ctx := context.Background()

	m.probe(ctx)
	require.True(t, m.Snapshot().Reachable)
	m.probe(ctx)
	assert.False(t, m.Snapshot().Reachable, "threshold 1 drops on the first failure")
}

func TestStartProbesSynchronouslyAndLoops(t *testing.T) {
	m := NewMonitor(upClient("llama3.1:8b"), 10*time.Millisecond, 1)
	m.Start(context.Background())
	defer m.Stop()

	snap := m.Snapshot()
	assert.True(t, snap.Reachable, "first probe happens before Start returns")
	gen := snap.Generation

	require.Eventually(t, func() bool {
		return m.Snapshot().Generation > gen
	}, time.Second, 5*time.Millisecond, "ticker keeps probing")
}

func TestReportUnavailableNudgesProbe(t *testing.T) {
	m := NewMonitor(upClient("llama3.1:8b"), time.Hour, 1)
	m.Start(context.Background())
	defer m.Stop()

	gen := m.Snapshot().Generation
	m.ReportUnavailable("llama3.1:8b")

	require.Eventually(t, func() bool {
		return m.Snapshot().Generation > gen
	}, time.Second, 5*time.Millisecond, "nudge forces a probe ahead of the ticker")
}

func TestStopIsIdempotent(t *testing.T) {
	m := NewMonitor(upClient("m"), 10*time.Millisecond, 1)
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}

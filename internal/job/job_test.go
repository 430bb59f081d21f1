package job_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/tenderpipe/internal/job"
	"github.com/local/tenderpipe/internal/taskerr"
)

func TestTaskKind(t *testing.T) {
	tests := []struct {
		kind       job.TaskKind
		known      bool
		modelBound bool
	}{
		{job.TaskExtractText, true, false},
		{job.TaskExtractTender, true, true},
		{job.TaskGenerateQuotation, true, true},
		{job.TaskAnalyzeRisk, true, true},
		{job.TaskBatch, true, false},
		{job.TaskKind("summarize"), false, false},
		{job.TaskKind(""), false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.known, tt.kind.Known())
			assert.Equal(t, tt.modelBound, tt.kind.ModelBound())
		})
	}
}

func TestParsePriority(t *testing.T) {
	for in, want := range map[string]job.Priority{
		"low":    job.PriorityLow,
		"normal": job.PriorityNormal,
		"":       job.PriorityNormal,
		"high":   job.PriorityHigh,
	} {
		got, err := job.ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := job.ParsePriority("urgent")
	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []job.Status{job.StatusSucceeded, job.StatusFailed, job.StatusCancelled, job.StatusTimedOut} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []job.Status{job.StatusPending, job.StatusRunning, job.Status("")} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, job.StatusCancelled, job.StatusForCode(taskerr.CodeCancelled))
	assert.Equal(t, job.StatusTimedOut, job.StatusForCode(taskerr.CodeTimedOut))
	assert.Equal(t, job.StatusFailed, job.StatusForCode(taskerr.CodeModelTimeout))
	assert.Equal(t, job.StatusFailed, job.StatusForCode(taskerr.CodeInternal))
}

func TestTierLadder(t *testing.T) {
	assert.Equal(t, job.TierBalanced, job.TierSmall.Larger())
	assert.Equal(t, job.TierLarge, job.TierBalanced.Larger())
	assert.Equal(t, job.TierLarge, job.TierLarge.Larger())

	assert.Equal(t, job.TierBalanced, job.TierLarge.Smaller())
	assert.Equal(t, job.TierSmall, job.TierBalanced.Smaller())
	assert.Equal(t, job.TierSmall, job.TierSmall.Smaller())

	_, err := job.ParseTier("medium")
	assert.Error(t, err)
}

func TestNewDefaultsCorrelationID(t *testing.T) {
	now := time.Now()
	j := job.New(job.JobSpec{Task: job.TaskExtractText, Input: job.InputRef{Data: []byte("x")}}, now)
	require.NotEmpty(t, j.ID)
	assert.Equal(t, j.ID, j.CorrelationID)
	assert.Equal(t, now, j.SubmittedAt)
	assert.True(t, j.Input.Inline())

	j2 := job.New(job.JobSpec{Task: job.TaskExtractText, CorrelationID: "batch-7/3"}, now)
	assert.Equal(t, "batch-7/3", j2.CorrelationID)
	assert.NotEqual(t, j.ID, j2.ID)
}

func TestRiskLevelForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.0, "LOW"},
		{0.39, "LOW"},
		{0.4, "MEDIUM"},
		{0.69, "MEDIUM"},
		{0.7, "HIGH"},
		{1.0, "HIGH"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, job.RiskLevelForScore(tt.score), "score %v", tt.score)
	}
}

func TestAIResultCost(t *testing.T) {
	r := &job.AIResult{
		Raw:         "raw",
		Structured:  []byte(`{"a":1}`),
		Fingerprint: "fp",
		Model:       "m",
	}
	assert.Equal(t, 3+7+2+1+96, r.Cost())
}

func TestNewResultValue(t *testing.T) {
	v, ok := job.NewResultValue(job.TaskExtractTender)
	require.True(t, ok)
	assert.IsType(t, &job.TenderSummary{}, v)

	v, ok = job.NewResultValue(job.TaskAnalyzeRisk)
	require.True(t, ok)
	assert.IsType(t, &job.RiskReport{}, v)

	v, ok = job.NewResultValue(job.TaskGenerateQuotation)
	require.True(t, ok)
	assert.IsType(t, &job.QuotationDraft{}, v)

	_, ok = job.NewResultValue(job.TaskExtractText)
	assert.False(t, ok)
}

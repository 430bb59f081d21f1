package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/local/tenderpipe/internal/taskerr"
)

// TaskKind selects the pipeline a job runs through.
type TaskKind string

const (
	TaskExtractText       TaskKind = "extract_text"
	TaskExtractTender     TaskKind = "extract_tender"
	TaskGenerateQuotation TaskKind = "generate_quotation"
	TaskAnalyzeRisk       TaskKind = "analyze_risk"
	TaskBatch             TaskKind = "batch"
)

// Known reports whether k names a supported task kind.
func (k TaskKind) Known() bool {
	switch k {
	case TaskExtractText, TaskExtractTender, TaskGenerateQuotation, TaskAnalyzeRisk, TaskBatch:
		return true
	}
	return false
}

// ModelBound reports whether the kind reaches the model runtime.
func (k TaskKind) ModelBound() bool {
	switch k {
	case TaskExtractTender, TaskGenerateQuotation, TaskAnalyzeRisk:
		return true
	}
	return false
}

// Priority orders jobs in the queue. Higher dequeues first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority maps the wire names low/normal/high onto a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Status is the job lifecycle state. Terminal states are write-once.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// StatusForCode maps a terminal failure code onto the job status it implies.
func StatusForCode(code taskerr.Code) Status {
	switch code {
	case taskerr.CodeCancelled:
		return StatusCancelled
	case taskerr.CodeTimedOut:
		return StatusTimedOut
	}
	return StatusFailed
}

// Tier names a model-size class behind the model client.
type Tier string

const (
	TierSmall    Tier = "small"
	TierBalanced Tier = "balanced"
	TierLarge    Tier = "large"
)

// ParseTier maps a config value onto a Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierSmall, TierBalanced, TierLarge:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown model tier %q", s)
}

// Larger returns the next tier up, clamped at large.
func (t Tier) Larger() Tier {
	switch t {
	case TierSmall:
		return TierBalanced
	case TierBalanced:
		return TierLarge
	}
	return TierLarge
}

// Smaller returns the next tier down, clamped at small.
func (t Tier) Smaller() Tier {
	switch t {
	case TierLarge:
		return TierBalanced
	case TierBalanced:
		return TierSmall
	}
	return TierSmall
}

// InputRef points at the document a job operates on: either an absolute
// filesystem path or an in-memory blob with its declared content type.
// Exactly one of Path and Data is set.
type InputRef struct {
	Path        string `json:"path,omitempty"`
	Data        []byte `json:"data,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Inline reports whether the input is an in-memory blob.
func (r InputRef) Inline() bool { return r.Path == "" }

// BatchItem is one child document inside a batch job.
type BatchItem struct {
	Input  InputRef          `json:"input"`
	Params map[string]string `json:"params,omitempty"`
}

// BatchSpec describes a batch job: the inner kind every child runs as, and
// the per-child inputs.
type BatchSpec struct {
	Kind  TaskKind    `json:"kind" validate:"required"`
	Items []BatchItem `json:"items" validate:"min=1"`
}

// JobSpec is what callers hand to Submit.
type JobSpec struct {
	Task          TaskKind          `json:"task" validate:"required"`
	Input         InputRef          `json:"input"`
	Params        map[string]string `json:"params,omitempty"`
	Priority      Priority          `json:"priority" validate:"gte=0,lte=2"`
	Deadline      time.Time         `json:"deadline"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Batch         *BatchSpec        `json:"batch,omitempty"`
}

// Job is the scheduler-owned unit of work. Everything here is immutable
// after submission; lifecycle state lives in the registry.
type Job struct {
	ID            string
	Task          TaskKind
	Input         InputRef
	Params        map[string]string
	Priority      Priority
	CorrelationID string
	Deadline      time.Time
	SubmittedAt   time.Time
	Batch         *BatchSpec
}

// New mints a Job from a validated spec. The correlation id defaults to the
// job id when the caller did not supply one.
func New(spec JobSpec, now time.Time) *Job {
	id := uuid.NewString()
	corr := spec.CorrelationID
	if corr == "" {
		corr = id
	}
	return &Job{
		ID:            id,
		Task:          spec.Task,
		Input:         spec.Input,
		Params:        spec.Params,
		Priority:      spec.Priority,
		CorrelationID: corr,
		Deadline:      spec.Deadline,
		SubmittedAt:   now,
		Batch:         spec.Batch,
	}
}

// Outcome is the caller-visible end state of a job: its status plus
// whichever artifact the task kind produces. Failed outcomes carry the
// stable error code and message.
type Outcome struct {
	JobID     string          `json:"job_id"`
	Status    Status          `json:"status"`
	Code      taskerr.Code    `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Extracted *ExtractedText  `json:"extracted,omitempty"`
	Result    *AIResult       `json:"result,omitempty"`
	Batch     *BatchResult    `json:"batch,omitempty"`
	StartedAt time.Time       `json:"started_at,omitempty"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`
}

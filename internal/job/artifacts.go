package job

import (
	"encoding/json"
	"time"
)

// ExtractionMethod tags how a document's text was obtained.
type ExtractionMethod string

const (
	MethodNative ExtractionMethod = "native"
	MethodOCR    ExtractionMethod = "ocr"
)

// PageStat describes one page of an extracted document.
type PageStat struct {
	Index  int  `json:"index"`
	Offset int  `json:"offset"`
	Chars  int  `json:"chars"`
	OCR    bool `json:"ocr,omitempty"`
}

// ExtractedText is the normalized textual artifact of one document. It is
// created once and never mutated.
type ExtractedText struct {
	Text          string           `json:"text"`
	Pages         []PageStat       `json:"pages,omitempty"`
	Language      string           `json:"language"`
	Method        ExtractionMethod `json:"method"`
	Quality       float64          `json:"quality"`
	ByteLen       int              `json:"byte_len"`
	TokenEstimate int              `json:"token_estimate"`
}

// AIResult is the outcome of one model invocation. Structured holds the
// canonical JSON encoding of the task-specific value; cache hits hand back
// these exact bytes.
type AIResult struct {
	Task        TaskKind        `json:"task"`
	Tier        Tier            `json:"tier"`
	Model       string          `json:"model"`
	Raw         string          `json:"raw"`
	Structured  json.RawMessage `json:"structured,omitempty"`
	Confidence  float64         `json:"confidence"`
	TokensIn    int             `json:"tokens_in"`
	TokensOut   int             `json:"tokens_out"`
	Latency     time.Duration   `json:"latency_ns"`
	Fingerprint string          `json:"fingerprint"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Cost is the cache accounting size of the result in bytes.
func (r *AIResult) Cost() int {
	return len(r.Raw) + len(r.Structured) + len(r.Fingerprint) + len(r.Model) + 96
}

// Decode unmarshals the structured value into out.
func (r *AIResult) Decode(out any) error {
	return json.Unmarshal(r.Structured, out)
}

// BatchChildOutcome is one child's terminal result inside a batch.
type BatchChildOutcome struct {
	JobID   string `json:"job_id"`
	Status  Status `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// BatchResult aggregates the terminal outcomes of a batch's children.
type BatchResult struct {
	Kind      TaskKind            `json:"kind"`
	Total     int                 `json:"total"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Children  []BatchChildOutcome `json:"children"`
}

package job

// Risk score thresholds for bucketing. The buckets mirror how analysts
// triage tenders; the exact cut points are convention, not law.
const (
	RiskHighThreshold   = 0.7
	RiskMediumThreshold = 0.4
)

// RiskLevelForScore buckets a normalized risk score.
func RiskLevelForScore(score float64) string {
	switch {
	case score >= RiskHighThreshold:
		return "HIGH"
	case score >= RiskMediumThreshold:
		return "MEDIUM"
	}
	return "LOW"
}

// TenderSummary is the structured output of an extract_tender job.
type TenderSummary struct {
	Title          string   `json:"title" validate:"required"`
	Reference      string   `json:"reference"`
	Authority      string   `json:"authority"`
	Deadline       string   `json:"deadline"`
	BudgetEstimate string   `json:"budget_estimate"`
	Requirements   []string `json:"requirements"`
	Summary        string   `json:"summary"`
	Confidence     float64  `json:"confidence" validate:"gte=0,lte=1"`
}

// RiskFactor is one contributor to a tender's risk score.
type RiskFactor struct {
	Name   string  `json:"name" validate:"required"`
	Detail string  `json:"detail"`
	Weight float64 `json:"weight" validate:"gte=0,lte=1"`
}

// RiskReport is the structured output of an analyze_risk job.
type RiskReport struct {
	Score      float64      `json:"score" validate:"gte=0,lte=1"`
	Level      string       `json:"level" validate:"omitempty,oneof=LOW MEDIUM HIGH"`
	Factors    []RiskFactor `json:"factors" validate:"dive"`
	Summary    string       `json:"summary"`
	Confidence float64      `json:"confidence" validate:"gte=0,lte=1"`
}

// QuotationItem is one line of a draft quotation.
type QuotationItem struct {
	Description string  `json:"description" validate:"required"`
	Quantity    float64 `json:"quantity" validate:"gte=0"`
	UnitPrice   float64 `json:"unit_price" validate:"gte=0"`
	LineTotal   float64 `json:"line_total" validate:"gte=0"`
}

// QuotationDraft is the structured output of a generate_quotation job.
type QuotationDraft struct {
	Items      []QuotationItem `json:"items" validate:"min=1,dive"`
	Currency   string          `json:"currency"`
	Total      float64         `json:"total" validate:"gte=0"`
	Notes      string          `json:"notes"`
	Confidence float64         `json:"confidence" validate:"gte=0,lte=1"`
}

// NewResultValue returns a fresh pointer to the structured value a
// model-bound kind must produce, or false for free-form kinds.
func NewResultValue(kind TaskKind) (any, bool) {
	switch kind {
	case TaskExtractTender:
		return &TenderSummary{}, true
	case TaskAnalyzeRisk:
		return &RiskReport{}, true
	case TaskGenerateQuotation:
		return &QuotationDraft{}, true
	}
	return nil, false
}

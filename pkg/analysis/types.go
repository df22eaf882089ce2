package analysis

// Sentiment represents the sentiment classification of a piece of text
type Sentiment struct {
	Label      string  `json:"label"` // positive, negative, neutral
	Score      float64 `json:"score"` // normalized to [-1, 1]
	Confidence float64 `json:"confidence"`
}

// Emotion represents a detected emotion category with confidence
type Emotion struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// CrisisAssessment represents the crisis evaluation of a message
type CrisisAssessment struct {
	IsCrisis   bool     `json:"is_crisis"`
	RiskLevel  string   `json:"risk_level"` // low, moderate, high, critical
	Indicators []string `json:"indicators,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Result is the full analysis output for one message. It is ephemeral and
// recomputed per message; sessions may cache the latest snapshot for review.
type Result struct {
	Sentiment        Sentiment        `json:"sentiment"`
	Emotions         []Emotion        `json:"emotions,omitempty"`
	Crisis           CrisisAssessment `json:"crisis"`
	CopingMechanisms []string         `json:"coping_mechanisms,omitempty"`
	Themes           []string         `json:"themes,omitempty"`
}

// Risk levels ordered from least to most severe
const (
	RiskLow      = "low"
	RiskModerate = "moderate"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

var riskOrder = map[string]int{
	RiskLow:      0,
	RiskModerate: 1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// RiskAtLeast reports whether level is at least min on the risk scale
func RiskAtLeast(level, min string) bool {
	return riskOrder[level] >= riskOrder[min]
}

// MaxRisk returns the more severe of two risk levels
func MaxRisk(a, b string) string {
	if riskOrder[a] >= riskOrder[b] {
		return a
	}
	return b
}

// NeutralResult returns the default result used for empty or invalid input
func NeutralResult() Result {
	return Result{
		Sentiment: Sentiment{Label: "neutral", Score: 0, Confidence: 0},
		Crisis:    CrisisAssessment{IsCrisis: false, RiskLevel: RiskLow, Confidence: 0},
	}
}

package session

import (
	"time"

	"mindline-server/pkg/analysis"
)

// Session lifecycle states
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusEnded     = "ended"
	StatusCancelled = "cancelled"
	StatusEmergency = "emergency"
)

// Message senders
const (
	SenderUser      = "user"
	SenderAI        = "ai"
	SenderCounselor = "counselor"
	SenderSystem    = "system"
)

// Session priorities
const (
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Message is one entry in a session's history. Messages are immutable once
// appended; an edit is a new message flagged as an edited copy of the original.
type Message struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	MessageType string    `json:"message_type,omitempty"`
	Sentiment   string    `json:"sentiment,omitempty"`
	Edited      bool      `json:"edited,omitempty"`
	EditOf      string    `json:"edit_of,omitempty"`
}

// CrisisFlags records crisis state on a session
type CrisisFlags struct {
	IsCrisis          bool   `json:"is_crisis"`
	CrisisType        string `json:"crisis_type,omitempty"` // suicidal, self_harm
	InterventionTaken string `json:"intervention_taken,omitempty"`
}

// AnalysisSnapshot is the latest analyzer output cached on a session for
// counselor review. It is advisory; losing a write never blocks the reply path.
type AnalysisSnapshot struct {
	SentimentLabel  string    `json:"sentiment_label"`
	SentimentScore  float64   `json:"sentiment_score"`
	DominantEmotion string    `json:"dominant_emotion,omitempty"`
	RiskLevel       string    `json:"risk_level"`
	Indicators      []string  `json:"indicators,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Metrics holds derived per-session counters
type Metrics struct {
	MessageCount int `json:"message_count"`
}

// Session is one bounded conversation with its own message history and lifecycle
type Session struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	SessionType    string            `json:"session_type"`
	Status         string            `json:"status"`
	Priority       string            `json:"priority"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        *time.Time        `json:"end_time,omitempty"`
	DurationMins   int               `json:"duration_minutes,omitempty"`
	Messages       []Message         `json:"messages"`
	CrisisFlags    CrisisFlags       `json:"crisis_flags"`
	LatestAnalysis *AnalysisSnapshot `json:"latest_analysis,omitempty"`
	Metrics        Metrics           `json:"metrics"`
	Feedback       string            `json:"feedback,omitempty"`
}

// IsTerminal reports whether the session can never accept another transition
func (s *Session) IsTerminal() bool {
	return s.Status == StatusCancelled || s.Status == StatusEmergency
}

// AcceptsMessages reports whether appendMessage is legal in the current state
func (s *Session) AcceptsMessages() bool {
	return s.Status == StatusActive || s.Status == StatusPaused
}

// LastActivity returns the most recent message timestamp, or the start time
// if the session has no messages yet.
func (s *Session) LastActivity() time.Time {
	if len(s.Messages) == 0 {
		return s.StartTime
	}
	return s.Messages[len(s.Messages)-1].Timestamp
}

// snapshotFromResult derives the cached analysis snapshot from a full result
func snapshotFromResult(result analysis.Result) *AnalysisSnapshot {
	snapshot := &AnalysisSnapshot{
		SentimentLabel: result.Sentiment.Label,
		SentimentScore: result.Sentiment.Score,
		RiskLevel:      result.Crisis.RiskLevel,
		Indicators:     result.Crisis.Indicators,
		UpdatedAt:      time.Now(),
	}
	if len(result.Emotions) > 0 {
		snapshot.DominantEmotion = result.Emotions[0].Name
	}
	return snapshot
}

// clone returns a deep copy safe to hand outside the manager's locks
func (s *Session) clone() *Session {
	copied := *s
	copied.Messages = make([]Message, len(s.Messages))
	copy(copied.Messages, s.Messages)
	if s.EndTime != nil {
		endTime := *s.EndTime
		copied.EndTime = &endTime
	}
	if s.LatestAnalysis != nil {
		snapshot := *s.LatestAnalysis
		snapshot.Indicators = append([]string(nil), s.LatestAnalysis.Indicators...)
		copied.LatestAnalysis = &snapshot
	}
	return &copied
}

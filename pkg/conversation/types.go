package conversation

import (
	"context"

	"mindline-server/pkg/analysis"
)

// Response kinds
const (
	KindCrisis     = "crisis"
	KindGenerative = "generative"
	KindTemplate   = "template"
)

// Support levels select the system directive handed to the generative backend
const (
	SupportGeneral    = "general"
	SupportSupportive = "supportive"
	SupportCrisis     = "crisis"
)

// Turn is one prior exchange in the conversation history
type Turn struct {
	Sender  string `json:"sender"` // user, ai, counselor, system
	Content string `json:"content"`
}

// Context carries the per-user state the engine needs to shape a reply
type Context struct {
	UserRiskLevel string
	SupportLevel  string
}

// Response is the engine's reply to one inbound message
type Response struct {
	Text               string
	Analysis           analysis.Result
	RequiresEscalation bool
	Kind               string
}

// ChatMessage is one message in the generative backend's wire format
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Generator produces a contextual reply from a prompt assembled by the engine.
// Implementations must respect ctx cancellation; the engine bounds every call.
type Generator interface {
	Name() string
	Generate(ctx context.Context, messages []ChatMessage) (string, error)
}

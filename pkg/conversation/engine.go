package conversation

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mindline-server/pkg/analysis"
	"mindline-server/pkg/metrics"
)

// historyWindow bounds how many prior turns are handed to the generative backend
const historyWindow = 10

// defaultGenerateTimeout bounds a single generative call
const defaultGenerateTimeout = 10 * time.Second

// Engine turns an inbound message into a reply. It analyzes first, short-circuits
// to a crisis template when the message is flagged, and otherwise tries the
// configured generative backend with a deterministic template fallback.
type Engine struct {
	logger    *logrus.Entry
	analyzer  *analysis.Analyzer
	generator Generator

	generateTimeout time.Duration

	// Injectable random source for reproducible template selection
	rng     *rand.Rand
	rngLock sync.Mutex
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithGenerator configures a generative backend
func WithGenerator(g Generator) EngineOption {
	return func(e *Engine) { e.generator = g }
}

// WithGenerateTimeout overrides the generative call timeout
func WithGenerateTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.generateTimeout = d
		}
	}
}

// WithRandSource injects a seeded random source for reproducible tests
func WithRandSource(src rand.Source) EngineOption {
	return func(e *Engine) { e.rng = rand.New(src) }
}

// NewEngine creates a conversation engine
func NewEngine(logger *logrus.Logger, analyzer *analysis.Analyzer, opts ...EngineOption) *Engine {
	e := &Engine{
		logger:          logger.WithField("component", "conversation_engine"),
		analyzer:        analyzer,
		generateTimeout: defaultGenerateTimeout,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Respond produces a reply for one inbound message. It never returns an empty
// reply: generative failures fall through to keyword templates and finally to
// a generic empathetic response. The only side effect is the computed response;
// persistence belongs to the session layer.
func (e *Engine) Respond(ctx context.Context, message string, history []Turn, convCtx Context) Response {
	result := e.analyzer.Analyze(message)

	if result.Crisis.IsCrisis {
		return e.crisisResponse(result)
	}

	if e.generator != nil {
		start := time.Now()
		text, err := e.generate(ctx, message, history, convCtx)
		if metrics.IsMetricsEnabled() && metrics.GenerativeLatency != nil {
			metrics.GenerativeLatency.Observe(time.Since(start).Seconds())
		}
		if err == nil {
			return Response{Text: text, Analysis: result, Kind: KindGenerative}
		}
		e.logger.WithError(err).WithField("generator", e.generator.Name()).
			Warning("Generative backend failed, falling back to templates")
		if metrics.IsMetricsEnabled() && metrics.GenerativeFallbacks != nil {
			metrics.GenerativeFallbacks.WithLabelValues("backend_error").Inc()
		}
	} else if metrics.IsMetricsEnabled() && metrics.GenerativeFallbacks != nil {
		metrics.GenerativeFallbacks.WithLabelValues("no_backend").Inc()
	}

	return Response{Text: e.fallbackText(message), Analysis: result, Kind: KindTemplate}
}

// crisisResponse picks an empathetic crisis variant and annotates it with
// hotline resources when self-harm or suicidal phrasing matched. The
// generative backend is never consulted on this path.
func (e *Engine) crisisResponse(result analysis.Result) Response {
	text := crisisTemplates[e.pick(len(crisisTemplates))]
	if e.analyzer.HasSelfHarmIndicators(result.Crisis.Indicators) {
		text += hotlineResources
	} else {
		text += "Would you be open to talking with a counselor? I can connect you with someone right now."
	}

	return Response{
		Text:               text,
		Analysis:           result,
		RequiresEscalation: true,
		Kind:               KindCrisis,
	}
}

// generate assembles the prompt window and calls the backend under a timeout
func (e *Engine) generate(ctx context.Context, message string, history []Turn, convCtx Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.generateTimeout)
	defer cancel()

	supportLevel := convCtx.SupportLevel
	if supportLevel == "" {
		supportLevel = supportLevelForRisk(convCtx.UserRiskLevel)
	}

	messages := make([]ChatMessage, 0, historyWindow+2)
	messages = append(messages, ChatMessage{Role: "system", Content: systemDirective(supportLevel)})

	start := len(history) - historyWindow
	if start < 0 {
		start = 0
	}
	for _, turn := range history[start:] {
		role := "user"
		if turn.Sender == "ai" || turn.Sender == "system" {
			role = "assistant"
		}
		messages = append(messages, ChatMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: message})

	text, err := e.generator.Generate(ctx, messages)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", context.DeadlineExceeded
	}
	return text, nil
}

// fallbackText is the deterministic template path; it always returns something
func (e *Engine) fallbackText(message string) string {
	if text := matchFallback(message); text != "" {
		return text
	}
	return genericFallbacks[e.pick(len(genericFallbacks))]
}

func (e *Engine) pick(n int) int {
	e.rngLock.Lock()
	defer e.rngLock.Unlock()
	return e.rng.Intn(n)
}

// supportLevelForRisk maps a user risk level to a generative support level
func supportLevelForRisk(riskLevel string) string {
	switch riskLevel {
	case analysis.RiskCritical, analysis.RiskHigh:
		return SupportCrisis
	case analysis.RiskModerate:
		return SupportSupportive
	default:
		return SupportGeneral
	}
}

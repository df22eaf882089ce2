package conversation

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindline-server/pkg/analysis"
)

type stubGenerator struct {
	reply    string
	err      error
	delay    time.Duration
	called   int
	lastSeen []ChatMessage
}

func (s *stubGenerator) Name() string { return "stub" }

func (s *stubGenerator) Generate(ctx context.Context, messages []ChatMessage) (string, error) {
	s.called++
	s.lastSeen = messages
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.reply, s.err
}

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	opts = append(opts, WithRandSource(rand.NewSource(1)))
	return NewEngine(logger, analysis.NewAnalyzer(logger), opts...)
}

func TestRespondCrisisShortCircuit(t *testing.T) {
	gen := &stubGenerator{reply: "should never be used"}
	e := newTestEngine(t, WithGenerator(gen))

	resp := e.Respond(context.Background(), "I want to end my life, I can't go on", nil, Context{})

	require.True(t, resp.Analysis.Crisis.IsCrisis)
	assert.Contains(t, []string{analysis.RiskHigh, analysis.RiskCritical}, resp.Analysis.Crisis.RiskLevel)
	assert.Equal(t, KindCrisis, resp.Kind)
	assert.True(t, resp.RequiresEscalation)
	assert.Contains(t, resp.Text, "988")
	assert.Equal(t, 0, gen.called, "generative backend must not be invoked on the crisis path")
}

func TestRespondCrisisWithoutSelfHarmPhrasing(t *testing.T) {
	e := newTestEngine(t)

	// Two crisis indicators, neither from the self-harm subset
	resp := e.Respond(context.Background(), "I give up, there is no way out", nil, Context{})

	require.True(t, resp.Analysis.Crisis.IsCrisis)
	assert.Equal(t, KindCrisis, resp.Kind)
	assert.NotContains(t, resp.Text, "988")
	assert.NotEmpty(t, resp.Text)
}

func TestRespondGenerative(t *testing.T) {
	gen := &stubGenerator{reply: "That sounds difficult. What helped last time?"}
	e := newTestEngine(t, WithGenerator(gen))

	history := []Turn{
		{Sender: "user", Content: "hello"},
		{Sender: "ai", Content: "hi, how are you feeling today?"},
	}
	resp := e.Respond(context.Background(), "work has been rough", history, Context{UserRiskLevel: analysis.RiskLow})

	assert.Equal(t, KindGenerative, resp.Kind)
	assert.Equal(t, gen.reply, resp.Text)
	assert.False(t, resp.RequiresEscalation)

	// system directive + 2 history turns + current message
	require.Len(t, gen.lastSeen, 4)
	assert.Equal(t, "system", gen.lastSeen[0].Role)
	assert.Equal(t, "assistant", gen.lastSeen[2].Role)
	assert.Equal(t, "work has been rough", gen.lastSeen[3].Content)
}

func TestRespondHistoryWindowBounded(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	e := newTestEngine(t, WithGenerator(gen))

	history := make([]Turn, 30)
	for i := range history {
		history[i] = Turn{Sender: "user", Content: "turn"}
	}
	e.Respond(context.Background(), "latest", history, Context{})

	// system + last 10 turns + current message
	assert.Len(t, gen.lastSeen, historyWindow+2)
}

func TestRespondFallbackOnGeneratorError(t *testing.T) {
	gen := &stubGenerator{err: errors.New("backend down")}
	e := newTestEngine(t, WithGenerator(gen))

	resp := e.Respond(context.Background(), "I have been so anxious lately", nil, Context{})

	assert.Equal(t, KindTemplate, resp.Kind)
	assert.NotEmpty(t, resp.Text)
	assert.Contains(t, strings.ToLower(resp.Text), "anxiety")
}

func TestRespondFallbackOnGeneratorTimeout(t *testing.T) {
	gen := &stubGenerator{reply: "too late", delay: 200 * time.Millisecond}
	e := newTestEngine(t, WithGenerator(gen), WithGenerateTimeout(20*time.Millisecond))

	resp := e.Respond(context.Background(), "hello there", nil, Context{})

	assert.Equal(t, KindTemplate, resp.Kind)
	assert.NotEmpty(t, resp.Text)
}

func TestRespondNoGeneratorNeverEmpty(t *testing.T) {
	e := newTestEngine(t)

	for _, message := range []string{
		"I have been stressed about work",
		"completely unmatched message text qqq",
		"feeling lonely again",
	} {
		resp := e.Respond(context.Background(), message, nil, Context{})
		assert.Equal(t, KindTemplate, resp.Kind)
		assert.NotEmpty(t, resp.Text, "fallback must never return an empty reply")
	}
}

func TestCrisisTemplateSelectionReproducible(t *testing.T) {
	first := newTestEngine(t)
	second := newTestEngine(t)

	msg := "I want to end my life, I can't go on"
	assert.Equal(t,
		first.Respond(context.Background(), msg, nil, Context{}).Text,
		second.Respond(context.Background(), msg, nil, Context{}).Text,
	)
}

func TestSupportLevelForRisk(t *testing.T) {
	assert.Equal(t, SupportCrisis, supportLevelForRisk(analysis.RiskCritical))
	assert.Equal(t, SupportCrisis, supportLevelForRisk(analysis.RiskHigh))
	assert.Equal(t, SupportSupportive, supportLevelForRisk(analysis.RiskModerate))
	assert.Equal(t, SupportGeneral, supportLevelForRisk(analysis.RiskLow))
	assert.Equal(t, SupportGeneral, supportLevelForRisk(""))
}

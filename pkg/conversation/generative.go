package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPGeneratorConfig configures the chat-completions backend
type HTTPGeneratorConfig struct {
	APIURL      string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// HTTPGenerator calls an OpenAI-compatible chat-completions endpoint
type HTTPGenerator struct {
	logger *logrus.Entry
	config HTTPGeneratorConfig
	client *http.Client
}

// NewHTTPGenerator creates a chat-completions generator
func NewHTTPGenerator(logger *logrus.Logger, config HTTPGeneratorConfig) *HTTPGenerator {
	if config.APIURL == "" {
		config.APIURL = "https://api.openai.com/v1/chat/completions"
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 300
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}

	return &HTTPGenerator{
		logger: logger.WithField("component", "http_generator"),
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns the generator name
func (g *HTTPGenerator) Name() string {
	return "chat_completions"
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
}

// Generate sends the assembled prompt to the backend and returns the reply text
func (g *HTTPGenerator) Generate(ctx context.Context, messages []ChatMessage) (string, error) {
	payload, err := json.Marshal(chatCompletionRequest{
		Model:       g.config.Model,
		Messages:    messages,
		MaxTokens:   g.config.MaxTokens,
		Temperature: g.config.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", g.config.APIURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion API returned non-200 status code: %d", resp.StatusCode)
	}

	var result chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in completion response")
	}

	return result.Choices[0].Message.Content, nil
}

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/chatstack/llm-gateway/internal/db/models"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the uniform completion request handed to an adapter.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float32
}

// Result is the uniform completion result: content plus the token
// counts the provider billed.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Adapter sends a completion request over one provider family's wire
// protocol. Family-specific details never leak past this interface.
type Adapter interface {
	Send(ctx context.Context, req Request) (*Result, error)
}

// Factory builds an adapter for a configured provider.
type Factory func(p *models.Provider) (Adapter, error)

// ForProvider is the default factory, dispatching on provider family.
func ForProvider(p *models.Provider) (Adapter, error) {
	switch p.Family {
	case models.FamilyOpenAI:
		return NewOpenAIAdapter(p.APIKey, p.BaseURL), nil
	case models.FamilyAnthropic:
		return NewAnthropicAdapter(p.APIKey, p.BaseURL), nil
	case models.FamilyGoogle:
		return NewGeminiAdapter(p.APIKey, p.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider family %q", p.Family)
	}
}

// APIError is a non-2xx reply from an upstream provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Body)
}

// IsRateLimitError reports whether the provider rejected the call with
// its own throttling signal.
func IsRateLimitError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) {
		return openaiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}

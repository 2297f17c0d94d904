package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/chatstack/llm-gateway/internal/api/middleware"
	"github.com/chatstack/llm-gateway/internal/executor"
	"github.com/chatstack/llm-gateway/internal/upstream"
)

type completionRequest struct {
	Model       string             `json:"model,omitempty"`
	Messages    []upstream.Message `json:"messages"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float32           `json:"temperature,omitempty"`
	AgentID     string             `json:"agent_id,omitempty"`
	Channel     string             `json:"channel,omitempty"`
	GroupID     string             `json:"group_id,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
}

type completionUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	Cost         float64 `json:"cost"`
}

type completionResponse struct {
	ID        string          `json:"id"`
	Model     string          `json:"model"`
	Provider  string          `json:"provider"`
	Content   string          `json:"content"`
	Usage     completionUsage `json:"usage"`
	LatencyMs int64           `json:"latency_ms"`
}

// CreateCompletion handles POST /v1/chat/completions.
func CreateCompletion(exec *executor.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", GetOrGenerateRequestID(r))

		tenant, ok := middleware.TenantFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, executor.CodeAuth, "no tenant in request context")
			return
		}

		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, executor.CodeValidation, "invalid JSON body")
			return
		}

		resp, err := exec.Complete(r.Context(), tenant, executor.Request{
			AgentID:     req.AgentID,
			Model:       req.Model,
			Messages:    req.Messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Channel:     req.Channel,
			GroupID:     req.GroupID,
			SessionID:   req.SessionID,
		})
		if err != nil {
			writeGatewayError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, completionResponse{
			ID:       resp.ID,
			Model:    resp.Model,
			Provider: resp.ProviderID,
			Content:  resp.Content,
			Usage: completionUsage{
				InputTokens:  resp.InputTokens,
				OutputTokens: resp.OutputTokens,
				TotalTokens:  resp.TotalTokens,
				Cost:         resp.Cost,
			},
			LatencyMs: resp.LatencyMs,
		})
	}
}

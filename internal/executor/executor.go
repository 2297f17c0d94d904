package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/chatstack/llm-gateway/internal/breaker"
	"github.com/chatstack/llm-gateway/internal/budget"
	"github.com/chatstack/llm-gateway/internal/db/models"
	"github.com/chatstack/llm-gateway/internal/metrics"
	"github.com/chatstack/llm-gateway/internal/ratelimit"
	"github.com/chatstack/llm-gateway/internal/registry"
	"github.com/chatstack/llm-gateway/internal/upstream"
	"github.com/chatstack/llm-gateway/internal/usage"
)

var validRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// Request is one logical completion request on behalf of a tenant.
type Request struct {
	AgentID     string
	Model       string
	Messages    []upstream.Message
	MaxTokens   int
	Temperature *float32
	Channel     string
	GroupID     string
	SessionID   string
}

// Response is the successful outcome of a completion request.
type Response struct {
	ID           string
	Model        string
	ProviderID   string
	Content      string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Cost         float64
	LatencyMs    int64
}

// Executor orchestrates a completion: budget gate, agent validation,
// provider selection, admission, dispatch, bounded failover, usage
// recording and breaker feedback.
type Executor struct {
	db          *gorm.DB
	registry    *registry.Registry
	breaker     *breaker.Breaker
	limiter     ratelimit.Limiter
	adapters    upstream.Factory
	tracker     *usage.Tracker
	budget      *budget.Engine
	maxAttempts int
	callTimeout time.Duration
}

func New(database *gorm.DB, reg *registry.Registry, brk *breaker.Breaker, limiter ratelimit.Limiter,
	adapters upstream.Factory, tracker *usage.Tracker, engine *budget.Engine,
	maxAttempts int, callTimeout time.Duration) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Executor{
		db:          database,
		registry:    reg,
		breaker:     brk,
		limiter:     limiter,
		adapters:    adapters,
		tracker:     tracker,
		budget:      engine,
		maxAttempts: maxAttempts,
		callTimeout: callTimeout,
	}
}

// Complete runs one logical request. At most one successful usage
// record is written; failed attempts are recorded for observability
// but carry only the tokens the provider actually billed.
func (e *Executor) Complete(ctx context.Context, tenant *models.Tenant, req Request) (*Response, error) {
	if tenant.LLMSuspended {
		return nil, NewBudgetExceededError("tenant is suspended: budget exhausted")
	}
	if err := validateMessages(req.Messages); err != nil {
		return nil, err
	}

	agentID, err := e.resolveAgent(ctx, tenant, req.AgentID)
	if err != nil {
		return nil, err
	}

	candidates, err := e.registry.ListEligible(ctx, tenant, req.Model)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, NewProviderUnavailableError("no eligible provider")
	}

	estimatedTokens := estimateTokens(req.Messages)
	attempts := 0
	blocked := false
	var minRetryAfter int64

	for i := range candidates {
		if attempts >= e.maxAttempts {
			break
		}
		p := &candidates[i]

		probe := p.Status == models.StatusCircuitOpen
		if probe && !e.breaker.AcquireProbe(p.ID) {
			continue
		}

		key := ratelimit.ProviderKey(p.ID)
		decision, admitErr := e.limiter.Admit(ctx, key, p.RateLimit, p.Concurrency, estimatedTokens)
		if admitErr != nil {
			if probe {
				e.breaker.ReleaseProbe(p.ID)
			}
			return nil, fmt.Errorf("rate limiter: %w", admitErr)
		}
		if !decision.Allowed {
			metrics.RateLimitBlockedTotal.WithLabelValues(p.ID).Inc()
			blocked = true
			if minRetryAfter == 0 || decision.RetryAfterMs < minRetryAfter {
				minRetryAfter = decision.RetryAfterMs
			}
			if probe {
				e.breaker.ReleaseProbe(p.ID)
			}
			continue
		}

		attempts++
		resp, attemptErr := e.attempt(ctx, tenant, agentID, p, req, i > 0)
		e.limiter.Release(key)
		if probe {
			e.breaker.ReleaseProbe(p.ID)
		}
		if attemptErr == nil {
			return resp, nil
		}

		// A GatewayError out of attempt is terminal: the upstream call
		// already succeeded and its tokens are billed, only the
		// bookkeeping failed. Dispatching another candidate would spend
		// tokens twice for one logical request.
		var gwErr *GatewayError
		if errors.As(attemptErr, &gwErr) {
			return nil, gwErr
		}

		// No failover after a caller-initiated cancellation; the
		// attempt's usage has already been recorded.
		if ctx.Err() != nil {
			return nil, &GatewayError{
				Code:    CodeInternal,
				Status:  499,
				Message: "request cancelled",
				Err:     ctx.Err(),
			}
		}
	}

	if attempts == 0 && blocked {
		return nil, NewRateLimitError(time.Duration(minRetryAfter) * time.Millisecond)
	}
	return nil, NewProviderUnavailableError("all eligible providers exhausted")
}

// attempt dispatches to a single provider and records the outcome.
func (e *Executor) attempt(ctx context.Context, tenant *models.Tenant, agentID *string,
	p *models.Provider, req Request, failover bool) (*Response, error) {

	adapter, err := e.adapters(p)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.Model
	}

	// The upstream call is detached from caller cancellation so an
	// abandoned request still completes and its tokens are billed.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.callTimeout)
	defer cancel()

	start := time.Now()
	result, callErr := adapter.Send(callCtx, upstream.Request{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	latency := time.Since(start)

	recordCtx := context.WithoutCancel(ctx)

	if callErr != nil {
		metrics.ProviderErrorsTotal.WithLabelValues(p.ID).Inc()
		metrics.CompletionRequestsTotal.WithLabelValues(p.ID, "error").Inc()
		if upstream.IsRateLimitError(callErr) {
			if err := e.breaker.ReportRateLimited(recordCtx, p.ID, callErr.Error()); err != nil {
				log.Printf("executor: breaker update for %s: %v", p.ID, err)
			}
		} else {
			if err := e.breaker.ReportFailure(recordCtx, p.ID, callErr.Error()); err != nil {
				log.Printf("executor: breaker update for %s: %v", p.ID, err)
			}
		}
		if _, err := e.tracker.Record(recordCtx, usage.RecordInput{
			Tenant:       tenant,
			AgentID:      agentID,
			Provider:     p,
			Model:        model,
			LatencyMs:    latency.Milliseconds(),
			Success:      false,
			ErrorMessage: callErr.Error(),
			Channel:      req.Channel,
			GroupID:      req.GroupID,
			SessionID:    req.SessionID,
		}); err != nil {
			log.Printf("executor: recording failed attempt on %s: %v", p.ID, err)
		}
		return nil, callErr
	}

	if err := e.breaker.ReportSuccess(recordCtx, p.ID); err != nil {
		log.Printf("executor: breaker update for %s: %v", p.ID, err)
	}

	rec, err := e.tracker.Record(recordCtx, usage.RecordInput{
		Tenant:       tenant,
		AgentID:      agentID,
		Provider:     p,
		Model:        model,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		LatencyMs:    latency.Milliseconds(),
		Success:      true,
		Channel:      req.Channel,
		GroupID:      req.GroupID,
		SessionID:    req.SessionID,
	})
	if err != nil {
		return nil, NewInternalError("recording usage", err)
	}

	// Usage is recorded before the budget engine sees it.
	if err := e.budget.Evaluate(recordCtx, tenant.ID, agentID); err != nil {
		log.Printf("executor: budget evaluation for tenant %s: %v", tenant.ID, err)
	}

	metrics.CompletionRequestsTotal.WithLabelValues(p.ID, "success").Inc()
	metrics.CompletionLatencySeconds.WithLabelValues(p.ID).Observe(latency.Seconds())
	metrics.TokensTotal.WithLabelValues(p.ID, "input").Add(float64(result.InputTokens))
	metrics.TokensTotal.WithLabelValues(p.ID, "output").Add(float64(result.OutputTokens))
	if failover {
		metrics.FailoversTotal.Inc()
	}

	return &Response{
		ID:           rec.ID,
		Model:        model,
		ProviderID:   p.ID,
		Content:      result.Content,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		TotalTokens:  result.InputTokens + result.OutputTokens,
		Cost:         rec.Cost,
		LatencyMs:    latency.Milliseconds(),
	}, nil
}

func (e *Executor) resolveAgent(ctx context.Context, tenant *models.Tenant, agentID string) (*string, error) {
	if agentID == "" {
		return nil, nil
	}
	var agent models.TenantAgent
	if err := e.db.WithContext(ctx).First(&agent, "id = ?", agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("unknown agent")
		}
		return nil, err
	}
	if agent.TenantID != tenant.ID {
		return nil, NewValidationError("agent does not belong to tenant")
	}
	if !agent.Active {
		return nil, NewValidationError("agent is not active")
	}
	return &agent.ID, nil
}

func validateMessages(messages []upstream.Message) error {
	if len(messages) == 0 {
		return NewValidationError("messages must not be empty")
	}
	for _, m := range messages {
		if !validRoles[m.Role] {
			return NewValidationError(fmt.Sprintf("invalid message role %q", m.Role))
		}
		if m.Content == "" {
			return NewValidationError("message content must not be empty")
		}
	}
	return nil
}

// estimateTokens is the pre-admission heuristic: roughly four
// characters per token.
func estimateTokens(messages []upstream.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total / 4
}

package registry

import (
	"context"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/chatstack/llm-gateway/internal/breaker"
	"github.com/chatstack/llm-gateway/internal/db/models"
	"github.com/chatstack/llm-gateway/internal/ratelimit"
)

// Registry is a read-only view over the provider pool. Status and
// error counters are mutated by the breaker only.
type Registry struct {
	db      *gorm.DB
	breaker *breaker.Breaker
	limiter ratelimit.Limiter
}

func New(database *gorm.DB, brk *breaker.Breaker, limiter ratelimit.Limiter) *Registry {
	return &Registry{db: database, breaker: brk, limiter: limiter}
}

// FamilyForModel infers the provider family from a model name prefix.
func FamilyForModel(model string) models.ProviderFamily {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return models.FamilyOpenAI
	case strings.HasPrefix(m, "claude-"):
		return models.FamilyAnthropic
	case strings.HasPrefix(m, "gemini-"):
		return models.FamilyGoogle
	default:
		return ""
	}
}

// ListEligible returns the providers that can serve the request,
// ordered by ascending priority with ties broken by lowest current
// load (trailing-window requests divided by the provider rate limit).
//
// A provider is eligible when its family serves the requested model
// (or its configured target model matches exactly), the tenant
// allow-list admits it, and its health status permits routing.
func (r *Registry) ListEligible(ctx context.Context, tenant *models.Tenant, model string) ([]models.Provider, error) {
	if model == "" {
		model = tenant.DefaultModel
	}
	family := FamilyForModel(model)

	var pool []models.Provider
	if err := r.db.WithContext(ctx).Find(&pool).Error; err != nil {
		return nil, err
	}

	eligible := make([]models.Provider, 0, len(pool))
	for _, p := range pool {
		if model != "" && p.Model != model && (family == "" || p.Family != family) {
			continue
		}
		if !tenant.AllowsProvider(p.ID) {
			continue
		}
		if !r.breaker.Selectable(&p) {
			continue
		}
		eligible = append(eligible, p)
	}

	loads := make(map[string]float64, len(eligible))
	for _, p := range eligible {
		loads[p.ID] = r.CurrentLoad(ctx, &p)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return loads[eligible[i].ID] < loads[eligible[j].ID]
	})

	return eligible, nil
}

// CurrentLoad is the fraction of the provider's rate limit consumed in
// the trailing window.
func (r *Registry) CurrentLoad(ctx context.Context, p *models.Provider) float64 {
	if p.RateLimit <= 0 {
		return 0
	}
	observed := r.limiter.Observed(ctx, ratelimit.ProviderKey(p.ID))
	return float64(observed) / float64(p.RateLimit)
}

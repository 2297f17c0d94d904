package models

import "time"

// Tenant is a billing and isolation boundary. Only the LLM-gateway
// facing fields live here; the rest of the tenant record belongs to
// the dashboard.
type Tenant struct {
	ID               string    `gorm:"primaryKey" json:"id"`
	Name             string    `json:"name"`
	APIKey           string    `gorm:"uniqueIndex" json:"-"`
	DefaultModel     string    `json:"default_model"`
	MonthlyBudget    float64   `json:"monthly_budget"`
	DailyLimit       float64   `json:"daily_limit"`
	AlertThresholds  []float64 `gorm:"serializer:json" json:"alert_thresholds"`
	AllowedProviders []string  `gorm:"serializer:json" json:"allowed_providers"`
	LLMSuspended     bool      `json:"llm_suspended"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AllowsProvider applies the tenant allow-list; an empty list allows all.
func (t *Tenant) AllowsProvider(providerID string) bool {
	if len(t.AllowedProviders) == 0 {
		return true
	}
	for _, id := range t.AllowedProviders {
		if id == providerID {
			return true
		}
	}
	return false
}

// TenantAgent is a named bot persona under a tenant. Agents participate
// in usage attribution and may carry their own daily cost cap, but they
// never influence provider selection.
type TenantAgent struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	TenantID   string    `gorm:"index" json:"tenant_id"`
	Name       string    `json:"name"`
	DailyLimit *float64  `json:"daily_limit,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

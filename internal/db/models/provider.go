package models

import "time"

// ProviderStatus is the operational state of an upstream provider.
type ProviderStatus string

const (
	StatusActive      ProviderStatus = "ACTIVE"
	StatusDegraded    ProviderStatus = "DEGRADED"
	StatusRateLimited ProviderStatus = "RATE_LIMITED"
	StatusCircuitOpen ProviderStatus = "CIRCUIT_OPEN"
	StatusMaintenance ProviderStatus = "MAINTENANCE"
	StatusDisabled    ProviderStatus = "DISABLED"
)

// ProviderFamily identifies the wire protocol a provider speaks.
type ProviderFamily string

const (
	FamilyOpenAI    ProviderFamily = "openai"
	FamilyAnthropic ProviderFamily = "anthropic"
	FamilyGoogle    ProviderFamily = "google"
)

// Provider is a configured upstream language-model backend.
type Provider struct {
	ID                 string         `gorm:"primaryKey" json:"id"`
	Name               string         `json:"name"`
	Family             ProviderFamily `gorm:"index" json:"family"`
	Model              string         `gorm:"index" json:"model"`
	BaseURL            string         `json:"base_url,omitempty"`
	APIKey             string         `json:"-"`
	RateLimit          int            `json:"rate_limit"`
	Concurrency        int            `json:"concurrency"`
	CostPerInputToken  float64        `json:"cost_per_input_token"`
	CostPerOutputToken float64        `json:"cost_per_output_token"`
	Priority           int            `gorm:"index" json:"priority"`
	Status             ProviderStatus `gorm:"index" json:"status"`
	ErrorCount         int            `json:"error_count"`
	LastCheckedAt      *time.Time     `json:"last_checked_at,omitempty"`
	LastErrorAt        *time.Time     `json:"last_error_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Routable reports whether the status alone permits selection.
// CIRCUIT_OPEN providers may still be probed after cool-down; that
// decision belongs to the breaker, not the model.
func (p *Provider) Routable() bool {
	switch p.Status {
	case StatusCircuitOpen, StatusDisabled, StatusMaintenance:
		return false
	default:
		return true
	}
}

// ProviderStatusHistory is the append-only audit trail of status
// transitions. Rows are created in the same transaction as the
// provider update and never mutated.
type ProviderStatusHistory struct {
	ID         string         `gorm:"primaryKey" json:"id"`
	ProviderID string         `gorm:"index" json:"provider_id"`
	FromStatus ProviderStatus `json:"from_status"`
	ToStatus   ProviderStatus `json:"to_status"`
	Reason     string         `json:"reason"`
	CreatedAt  time.Time      `gorm:"index" json:"created_at"`
}

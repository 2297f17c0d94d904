package models

import "time"

// Alert types raised by the budget engine.
const (
	AlertBudgetWarning     = "BUDGET_WARNING"
	AlertBudgetExceeded    = "BUDGET_EXCEEDED"
	AlertDailyWarning      = "DAILY_WARNING"
	AlertDailyExceeded     = "DAILY_EXCEEDED"
	AlertAgentDailyWarning = "AGENT_DAILY_WARNING"
)

// UsageAlert is a threshold alert for a tenant's budget period.
// At most one unacknowledged alert per (tenant, type, threshold)
// exists within a period; the budget engine enforces that.
type UsageAlert struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	TenantID     string    `gorm:"index" json:"tenant_id"`
	AgentID      *string   `json:"agent_id,omitempty"`
	Type         string    `gorm:"index" json:"type"`
	Threshold    float64   `json:"threshold"`
	CurrentUsage float64   `json:"current_usage"`
	LimitValue   float64   `json:"limit_value"`
	PercentUsed  float64   `json:"percent_used"`
	Acknowledged bool      `gorm:"index" json:"acknowledged"`
	EmailSent    bool      `json:"email_sent"`
	WebhookSent  bool      `json:"webhook_sent"`
	ChatSent     bool      `json:"chat_sent"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

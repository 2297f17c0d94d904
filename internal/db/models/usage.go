package models

import "time"

// UsageRecord is one row per completed or failed completion attempt.
// It is the append-only ledger backing billing and budget aggregation;
// nothing in the gateway updates a record after creation.
type UsageRecord struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	TenantID     string    `gorm:"index" json:"tenant_id"`
	AgentID      *string   `gorm:"index" json:"agent_id,omitempty"`
	ProviderID   string    `gorm:"index" json:"provider_id"`
	Model        string    `json:"model"`
	RequestType  string    `json:"request_type"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	Cost         float64   `json:"cost"`
	LatencyMs    int64     `json:"latency_ms"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Channel      string    `json:"channel,omitempty"`
	GroupID      string    `json:"group_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

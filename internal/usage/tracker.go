package usage

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chatstack/llm-gateway/internal/db/models"
	"github.com/chatstack/llm-gateway/internal/util"
)

// Tracker writes the append-only usage ledger. There is deliberately
// no update or delete path; billing aggregation depends on records
// staying immutable.
type Tracker struct {
	db *gorm.DB
}

func NewTracker(database *gorm.DB) *Tracker {
	return &Tracker{db: database}
}

// RecordInput carries everything needed to write one usage row.
type RecordInput struct {
	Tenant       *models.Tenant
	AgentID      *string
	Provider     *models.Provider
	Model        string
	RequestType  string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	Success      bool
	ErrorMessage string
	Channel      string
	GroupID      string
	SessionID    string
}

// Record computes the cost from the provider's token prices and
// persists the usage row. Cost is exactly
// inputTokens*costPerInputToken + outputTokens*costPerOutputToken.
func (t *Tracker) Record(ctx context.Context, in RecordInput) (*models.UsageRecord, error) {
	cost := float64(in.InputTokens)*in.Provider.CostPerInputToken +
		float64(in.OutputTokens)*in.Provider.CostPerOutputToken

	requestType := in.RequestType
	if requestType == "" {
		requestType = "chat"
	}

	rec := &models.UsageRecord{
		ID:           uuid.New().String(),
		TenantID:     in.Tenant.ID,
		AgentID:      in.AgentID,
		ProviderID:   in.Provider.ID,
		Model:        in.Model,
		RequestType:  requestType,
		InputTokens:  in.InputTokens,
		OutputTokens: in.OutputTokens,
		TotalTokens:  in.InputTokens + in.OutputTokens,
		Cost:         cost,
		LatencyMs:    in.LatencyMs,
		Success:      in.Success,
		ErrorMessage: util.Truncate(in.ErrorMessage, util.MaxStoredErrorLen),
		Channel:      in.Channel,
		GroupID:      in.GroupID,
		SessionID:    in.SessionID,
	}

	if err := t.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

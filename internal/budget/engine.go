package budget

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chatstack/llm-gateway/internal/db/models"
	"github.com/chatstack/llm-gateway/internal/metrics"
	"github.com/chatstack/llm-gateway/internal/notify"
)

// DefaultThresholds are the remaining-percentage trigger points used
// when a tenant has not configured its own.
var DefaultThresholds = []float64{0.2, 0.1, 0.05, 0.01}

// Engine aggregates usage against tenant budgets and raises
// deduplicated threshold alerts. Budget checks are optimistic:
// concurrent requests may overshoot a limit by at most one in-flight
// request's cost before suspension takes effect.
type Engine struct {
	db          *gorm.DB
	sinks       []notify.Sink
	autoSuspend bool
	now         func() time.Time
}

func NewEngine(database *gorm.DB, sinks []notify.Sink, autoSuspend bool) *Engine {
	return &Engine{db: database, sinks: sinks, autoSuspend: autoSuspend, now: time.Now}
}

// Evaluate recomputes the tenant's period usage after a usage write
// and raises any newly crossed threshold alerts. When agentID is set
// and that agent carries its own daily cap, the agent's spend is
// evaluated too (attribution only, never suspends the tenant).
func (e *Engine) Evaluate(ctx context.Context, tenantID string, agentID *string) error {
	var tenant models.Tenant
	if err := e.db.WithContext(ctx).First(&tenant, "id = ?", tenantID).Error; err != nil {
		return err
	}

	now := e.now().UTC()
	monthStart, monthEnd := monthBounds(now)
	dayStart, dayEnd := dayBounds(now)

	monthlyUsed, err := e.sumCost(ctx, tenantID, nil, monthStart)
	if err != nil {
		return err
	}
	dailyUsed, err := e.sumCost(ctx, tenantID, nil, dayStart)
	if err != nil {
		return err
	}

	thresholds := tenant.AlertThresholds
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds
	}

	if err := e.evaluateLimit(ctx, &tenant, limitCheck{
		warnType:     models.AlertBudgetWarning,
		exceededType: models.AlertBudgetExceeded,
		used:         monthlyUsed,
		limit:        tenant.MonthlyBudget,
		thresholds:   thresholds,
		periodStart:  monthStart,
		periodEnd:    monthEnd,
		suspend:      true,
	}); err != nil {
		return err
	}

	if err := e.evaluateLimit(ctx, &tenant, limitCheck{
		warnType:     models.AlertDailyWarning,
		exceededType: models.AlertDailyExceeded,
		used:         dailyUsed,
		limit:        tenant.DailyLimit,
		thresholds:   thresholds,
		periodStart:  dayStart,
		periodEnd:    dayEnd,
		suspend:      true,
	}); err != nil {
		return err
	}

	if agentID != nil {
		var agent models.TenantAgent
		if err := e.db.WithContext(ctx).First(&agent, "id = ?", *agentID).Error; err == nil &&
			agent.DailyLimit != nil && *agent.DailyLimit > 0 {
			agentUsed, err := e.sumCost(ctx, tenantID, agentID, dayStart)
			if err != nil {
				return err
			}
			if err := e.evaluateLimit(ctx, &tenant, limitCheck{
				warnType:     models.AlertAgentDailyWarning,
				exceededType: models.AlertAgentDailyWarning,
				used:         agentUsed,
				limit:        *agent.DailyLimit,
				thresholds:   thresholds,
				periodStart:  dayStart,
				periodEnd:    dayEnd,
				agentID:      agentID,
			}); err != nil {
				return err
			}
		}
	}

	return nil
}

type limitCheck struct {
	warnType     string
	exceededType string
	used         float64
	limit        float64
	thresholds   []float64
	periodStart  time.Time
	periodEnd    time.Time
	agentID      *string
	suspend      bool
}

func (e *Engine) evaluateLimit(ctx context.Context, tenant *models.Tenant, c limitCheck) error {
	if c.limit <= 0 {
		return nil
	}

	if c.used >= c.limit {
		if err := e.raise(ctx, tenant, c, c.exceededType, 0); err != nil {
			return err
		}
		if c.suspend && e.autoSuspend && !tenant.LLMSuspended {
			if err := e.db.WithContext(ctx).Model(&models.Tenant{}).
				Where("id = ?", tenant.ID).
				Update("llm_suspended", true).Error; err != nil {
				return err
			}
			tenant.LLMSuspended = true
			log.Printf("budget: tenant %s suspended (%s used %.4f of %.4f)",
				tenant.ID, c.exceededType, c.used, c.limit)
		}
		return nil
	}

	remainingFraction := (c.limit - c.used) / c.limit
	for _, t := range c.thresholds {
		if remainingFraction <= t {
			if err := e.raise(ctx, tenant, c, c.warnType, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// raise creates the alert unless an unacknowledged one for the same
// (tenant, type, threshold, agent) already exists in this period.
func (e *Engine) raise(ctx context.Context, tenant *models.Tenant, c limitCheck, alertType string, threshold float64) error {
	q := e.db.WithContext(ctx).Model(&models.UsageAlert{}).
		Where("tenant_id = ? AND type = ? AND threshold = ? AND acknowledged = ? AND created_at >= ?",
			tenant.ID, alertType, threshold, false, c.periodStart)
	if c.agentID != nil {
		q = q.Where("agent_id = ?", *c.agentID)
	}
	var existing int64
	if err := q.Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	alert := &models.UsageAlert{
		ID:           uuid.New().String(),
		TenantID:     tenant.ID,
		AgentID:      c.agentID,
		Type:         alertType,
		Threshold:    threshold,
		CurrentUsage: c.used,
		LimitValue:   c.limit,
		PercentUsed:  c.used / c.limit * 100,
		ExpiresAt:    c.periodEnd,
	}
	if err := e.db.WithContext(ctx).Create(alert).Error; err != nil {
		return err
	}
	metrics.AlertsTotal.WithLabelValues(alertType).Inc()
	log.Printf("budget: alert %s raised for tenant %s (threshold %.2f, used %.4f of %.4f)",
		alertType, tenant.ID, threshold, c.used, c.limit)

	e.dispatch(ctx, alert)
	return nil
}

// dispatch delivers the alert to every sink once, recording delivery
// in the per-sink flags so later retries never duplicate a send.
func (e *Engine) dispatch(ctx context.Context, alert *models.UsageAlert) {
	n := notify.Notification{
		TenantID:     alert.TenantID,
		AlertType:    alert.Type,
		Message:      alertMessage(alert),
		CurrentUsage: alert.CurrentUsage,
		LimitValue:   alert.LimitValue,
	}

	updates := map[string]interface{}{}
	for _, sink := range e.sinks {
		sent := sentFlag(alert, sink.Name())
		if sent {
			continue
		}
		if err := sink.Notify(ctx, n); err != nil {
			log.Printf("budget: %s sink failed for alert %s: %v", sink.Name(), alert.ID, err)
			continue
		}
		switch sink.Name() {
		case "email":
			alert.EmailSent = true
			updates["email_sent"] = true
		case "webhook":
			alert.WebhookSent = true
			updates["webhook_sent"] = true
		case "chat":
			alert.ChatSent = true
			updates["chat_sent"] = true
		}
	}
	if len(updates) > 0 {
		if err := e.db.WithContext(ctx).Model(&models.UsageAlert{}).
			Where("id = ?", alert.ID).Updates(updates).Error; err != nil {
			log.Printf("budget: recording delivery flags for alert %s: %v", alert.ID, err)
		}
	}
}

// DispatchUnsent retries delivery for unacknowledged, unexpired alerts
// with missing sink deliveries. Run periodically by the job scheduler.
func (e *Engine) DispatchUnsent(ctx context.Context) error {
	if len(e.sinks) == 0 {
		return nil
	}
	var alerts []models.UsageAlert
	if err := e.db.WithContext(ctx).
		Where("acknowledged = ? AND expires_at > ?", false, e.now().UTC()).
		Find(&alerts).Error; err != nil {
		return err
	}
	for i := range alerts {
		alert := &alerts[i]
		for _, sink := range e.sinks {
			if !sentFlag(alert, sink.Name()) {
				e.dispatch(ctx, alert)
				break
			}
		}
	}
	return nil
}

// ReinstateTenants clears suspensions whose triggering limit is no
// longer exceeded in the current period, so a daily-cap suspension
// lifts on day rollover without admin action. Run periodically by the
// job scheduler.
func (e *Engine) ReinstateTenants(ctx context.Context) (int64, error) {
	var suspended []models.Tenant
	if err := e.db.WithContext(ctx).
		Where("llm_suspended = ?", true).Find(&suspended).Error; err != nil {
		return 0, err
	}

	now := e.now().UTC()
	monthStart, _ := monthBounds(now)
	dayStart, _ := dayBounds(now)

	var lifted int64
	for i := range suspended {
		tenant := &suspended[i]
		if tenant.MonthlyBudget > 0 {
			used, err := e.sumCost(ctx, tenant.ID, nil, monthStart)
			if err != nil {
				return lifted, err
			}
			if used >= tenant.MonthlyBudget {
				continue
			}
		}
		if tenant.DailyLimit > 0 {
			used, err := e.sumCost(ctx, tenant.ID, nil, dayStart)
			if err != nil {
				return lifted, err
			}
			if used >= tenant.DailyLimit {
				continue
			}
		}
		if err := e.db.WithContext(ctx).Model(&models.Tenant{}).
			Where("id = ? AND llm_suspended = ?", tenant.ID, true).
			Update("llm_suspended", false).Error; err != nil {
			return lifted, err
		}
		lifted++
		log.Printf("budget: tenant %s reinstated, period limits no longer exceeded", tenant.ID)
	}
	return lifted, nil
}

// ExpireAlerts acknowledges alerts whose budget period has ended.
func (e *Engine) ExpireAlerts(ctx context.Context) (int64, error) {
	res := e.db.WithContext(ctx).Model(&models.UsageAlert{}).
		Where("acknowledged = ? AND expires_at <= ?", false, e.now().UTC()).
		Update("acknowledged", true)
	return res.RowsAffected, res.Error
}

func (e *Engine) sumCost(ctx context.Context, tenantID string, agentID *string, since time.Time) (float64, error) {
	var total float64
	q := e.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("tenant_id = ? AND created_at >= ?", tenantID, since)
	if agentID != nil {
		q = q.Where("agent_id = ?", *agentID)
	}
	err := q.Select("COALESCE(SUM(cost), 0)").Scan(&total).Error
	return total, err
}

func sentFlag(alert *models.UsageAlert, sinkName string) bool {
	switch sinkName {
	case "email":
		return alert.EmailSent
	case "webhook":
		return alert.WebhookSent
	case "chat":
		return alert.ChatSent
	default:
		return true
	}
}

func alertMessage(alert *models.UsageAlert) string {
	if alert.Threshold == 0 {
		return fmt.Sprintf("Usage limit reached: %.4f of %.4f used", alert.CurrentUsage, alert.LimitValue)
	}
	return fmt.Sprintf("Less than %.0f%% of budget remaining: %.4f of %.4f used",
		alert.Threshold*100, alert.CurrentUsage, alert.LimitValue)
}

func monthBounds(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func dayBounds(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

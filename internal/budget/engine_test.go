package budget

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chatstack/llm-gateway/internal/db"
	"github.com/chatstack/llm-gateway/internal/db/models"
	"github.com/chatstack/llm-gateway/internal/notify"
)

type fakeSink struct {
	mu   sync.Mutex
	name string
	sent []notify.Notification
	fail bool
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Notify(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return context.DeadlineExceeded
	}
	s.sent = append(s.sent, n)
	return nil
}

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, sinks []notify.Sink, autoSuspend bool) (*Engine, *gorm.DB) {
	t.Helper()
	database, err := db.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(database, sinks, autoSuspend)
	e.now = func() time.Time { return testNow }
	return e, database
}

func seedTenant(t *testing.T, database *gorm.DB, monthly, daily float64) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{
		ID:            "t1",
		Name:          "Tenant One",
		APIKey:        "key-t1",
		MonthlyBudget: monthly,
		DailyLimit:    daily,
		Active:        true,
	}
	if err := database.Create(tenant).Error; err != nil {
		t.Fatal(err)
	}
	return tenant
}

func addSpend(t *testing.T, database *gorm.DB, tenantID string, agentID *string, cost float64, at time.Time) {
	t.Helper()
	if err := database.Create(&models.UsageRecord{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		AgentID:    agentID,
		ProviderID: "p1",
		Model:      "gpt-4o",
		Cost:       cost,
		Success:    true,
		CreatedAt:  at,
	}).Error; err != nil {
		t.Fatal(err)
	}
}

func alerts(t *testing.T, database *gorm.DB) []models.UsageAlert {
	t.Helper()
	var out []models.UsageAlert
	if err := database.Order("created_at asc").Find(&out).Error; err != nil {
		t.Fatal(err)
	}
	return out
}

func TestWarningRaisedOnceInBand(t *testing.T) {
	e, database := newTestEngine(t, nil, true)
	seedTenant(t, database, 100, 0)

	// 85 spent: 15% remaining crosses only the 20% threshold.
	addSpend(t, database, "t1", nil, 85, testNow.Add(-time.Hour))

	if err := e.Evaluate(context.Background(), "t1", nil); err != nil {
		t.Fatal(err)
	}
	got := alerts(t, database)
	if len(got) != 1 {
		t.Fatalf("want 1 alert, got %d", len(got))
	}
	if got[0].Type != models.AlertBudgetWarning || got[0].Threshold != 0.2 {
		t.Fatalf("unexpected alert %s/%v", got[0].Type, got[0].Threshold)
	}

	// Re-evaluating inside the same band must not duplicate.
	addSpend(t, database, "t1", nil, 1, testNow.Add(-time.Minute))
	if err := e.Evaluate(context.Background(), "t1", nil); err != nil {
		t.Fatal(err)
	}
	if got := alerts(t, database); len(got) != 1 {
		t.Fatalf("re-evaluation duplicated the alert: %d", len(got))
	}
}

func TestDeeperThresholdRaisesNewAlert(t *testing.T) {
	e, database := newTestEngine(t, nil, true)
	seedTenant(t, database, 100, 0)

	addSpend(t, database, "t1", nil, 85, testNow.Add(-2*time.Hour))
	if err := e.Evaluate(context.Background(), "t1", nil); err != nil {
		t.Fatal(err)
	}
	addSpend(t, database, "t1", nil, 7, testNow.Add(-time.Hour)) // 8% remaining
	if err := e.Evaluate(context.Background(), "t1", nil); err != nil {
		t.Fatal(err)
	}

	got := alerts(t, database)
	if len(got) != 2 {
		t.Fatalf("want 2 alerts (20%% and 10%% bands), got %d", len(got))
	}
	if got[1].Threshold != 0.1 {
		t.Fatalf("second alert threshold = %v, want 0.1", got[1].Threshold)
	}
}

func TestExceededSuspendsTenant(t *testing.T) {
	sink := &fakeSink{name: "webhook"}
	e, database := newTestEngine(t, []notify.Sink{sink}, true)
	seedTenant(t, database, 100, 0)

	addSpend(t, database, "t1", nil, 120, testNow.Add(-time.Hour))
	if err := e.Evaluate(context.Background(), "t1", nil); err != nil {
		t.Fatal(err)
	}

	var tenant models.Tenant
	if err := database.First(&tenant, "id = ?", "t1").Error; err != nil {
		t.Fatal(err)
	}
	if !tenant.LLMSuspended {
		t.Fatal("tenant should be suspended after exceeding the monthly budget")
	}

	got := alerts(t, database)
	if len(got) != 1 || got[0].Type != models.AlertBudgetExceeded {
		t.Fatalf("want one BUDGET_EXCEEDED alert, got %+v", got)
	}
	if !got[0].WebhookSent {
		t.Fatal("webhook delivery flag should be set")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.sent) != 1 {
		t.Fatalf("sink received %d notifications, want 1", len(sink.sent))
	}
}

func TestNoSuspendWhenDisabled(t *testing.T) {
	e, database := newTestEngine(t, nil, false)
	seedTenant(t, database, 100, 0)
	addSpend(t, database, "t1", nil, 150, testNow.Add(-time.Hour))

	if err := e.Evaluate(context.Background(), "t1", nil); err != nil {
		t.Fatal(err)
	}
	var tenant models.Tenant
	database.First(&tenant, "id = ?", "t1")
	if tenant.LLMSuspended {
		t.Fatal("auto-suspend disabled; tenant must stay active")
	}
}

func TestDailyLimitUsesOnlyToday(t *testing.T) {
	e, database := newTestEngine(t, nil, true)
	seedTenant(t, database, 0, 10)

	// Yesterday's spend must not count against today's limit.
	addSpend(t, database, "t1", nil, 50, testNow.AddDate(0, 0, -1))
	addSpend(t, database, "t1", nil, 5, testNow.Add(-time.Hour))

	if err := e.Evaluate(context.Background(), "t1", nil); err != nil {
		t.Fatal(err)
	}
	if got := alerts(t, database); len(got) != 0 {
		t.Fatalf("5 of 10 daily spend should raise nothing, got %d alerts", len(got))
	}
}

func TestAgentDailyLimit(t *testing.T) {
	e, database := newTestEngine(t, nil, true)
	seedTenant(t, database, 0, 0)
	limit := 10.0
	agentID := "agent-1"
	if err := database.Create(&models.TenantAgent{
		ID: agentID, TenantID: "t1", Name: "support-bot", DailyLimit: &limit, Active: true,
	}).Error; err != nil {
		t.Fatal(err)
	}

	addSpend(t, database, "t1", &agentID, 9, testNow.Add(-time.Hour)) // 10% remaining

	if err := e.Evaluate(context.Background(), "t1", &agentID); err != nil {
		t.Fatal(err)
	}
	got := alerts(t, database)
	if len(got) != 2 {
		t.Fatalf("want alerts for the 20%% and 10%% bands, got %d", len(got))
	}
	for _, a := range got {
		if a.Type != models.AlertAgentDailyWarning {
			t.Fatalf("alert type = %s, want AGENT_DAILY_WARNING", a.Type)
		}
		if a.AgentID == nil || *a.AgentID != agentID {
			t.Fatal("agent alert should carry the agent id")
		}
	}

	var tenant models.Tenant
	database.First(&tenant, "id = ?", "t1")
	if tenant.LLMSuspended {
		t.Fatal("agent limits never suspend the tenant")
	}
}

func TestReinstateLiftsDailySuspensionOnRollover(t *testing.T) {
	e, database := newTestEngine(t, nil, true)
	seedTenant(t, database, 0, 10)
	addSpend(t, database, "t1", nil, 12, testNow.Add(-time.Hour))

	if err := e.Evaluate(context.Background(), "t1", nil); err != nil {
		t.Fatal(err)
	}
	var tenant models.Tenant
	database.First(&tenant, "id = ?", "t1")
	if !tenant.LLMSuspended {
		t.Fatal("tenant should be suspended after exceeding the daily limit")
	}

	// Same day: nothing to lift.
	lifted, err := e.ReinstateTenants(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if lifted != 0 {
		t.Fatalf("lifted %d before rollover, want 0", lifted)
	}

	// Next day: yesterday's spend no longer counts.
	e.now = func() time.Time { return testNow.AddDate(0, 0, 1) }
	lifted, err = e.ReinstateTenants(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if lifted != 1 {
		t.Fatalf("lifted = %d, want 1", lifted)
	}
	database.First(&tenant, "id = ?", "t1")
	if tenant.LLMSuspended {
		t.Fatal("daily suspension should lift on day rollover")
	}
}

func TestReinstateKeepsMonthlySuspension(t *testing.T) {
	e, database := newTestEngine(t, nil, true)
	seedTenant(t, database, 100, 0)
	addSpend(t, database, "t1", nil, 120, testNow.Add(-time.Hour))

	if err := e.Evaluate(context.Background(), "t1", nil); err != nil {
		t.Fatal(err)
	}

	// A day later, still the same month: the monthly budget is still
	// exceeded, so the suspension stays.
	e.now = func() time.Time { return testNow.AddDate(0, 0, 1) }
	lifted, err := e.ReinstateTenants(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if lifted != 0 {
		t.Fatalf("lifted = %d, want 0", lifted)
	}
	var tenant models.Tenant
	database.First(&tenant, "id = ?", "t1")
	if !tenant.LLMSuspended {
		t.Fatal("monthly suspension must persist until the month rolls over")
	}

	// New month: the exceeded period ended.
	e.now = func() time.Time { return testNow.AddDate(0, 1, 0) }
	if lifted, err = e.ReinstateTenants(context.Background()); err != nil || lifted != 1 {
		t.Fatalf("lifted = %d, err = %v, want 1/nil", lifted, err)
	}
}

func TestExpireAlerts(t *testing.T) {
	e, database := newTestEngine(t, nil, true)
	seedTenant(t, database, 100, 0)
	addSpend(t, database, "t1", nil, 85, testNow.Add(-time.Hour))
	if err := e.Evaluate(context.Background(), "t1", nil); err != nil {
		t.Fatal(err)
	}

	// Jump past the end of the month.
	e.now = func() time.Time { return testNow.AddDate(0, 1, 0) }
	n, err := e.ExpireAlerts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("want 1 expired alert, got %d", n)
	}
	got := alerts(t, database)
	if !got[0].Acknowledged {
		t.Fatal("expired alert should be acknowledged")
	}
}

func TestDispatchUnsentRetriesFailedSink(t *testing.T) {
	sink := &fakeSink{name: "webhook", fail: true}
	e, database := newTestEngine(t, []notify.Sink{sink}, true)
	seedTenant(t, database, 100, 0)
	addSpend(t, database, "t1", nil, 85, testNow.Add(-time.Hour))

	if err := e.Evaluate(context.Background(), "t1", nil); err != nil {
		t.Fatal(err)
	}
	if got := alerts(t, database); got[0].WebhookSent {
		t.Fatal("failed delivery must not set the sent flag")
	}

	sink.fail = false
	if err := e.DispatchUnsent(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := alerts(t, database); !got[0].WebhookSent {
		t.Fatal("retry should deliver and set the sent flag")
	}
}

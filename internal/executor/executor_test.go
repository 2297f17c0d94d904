package executor

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/chatstack/llm-gateway/internal/breaker"
	"github.com/chatstack/llm-gateway/internal/budget"
	"github.com/chatstack/llm-gateway/internal/db"
	"github.com/chatstack/llm-gateway/internal/db/models"
	"github.com/chatstack/llm-gateway/internal/ratelimit"
	"github.com/chatstack/llm-gateway/internal/registry"
	"github.com/chatstack/llm-gateway/internal/upstream"
	"github.com/chatstack/llm-gateway/internal/usage"
)

// fakeAdapters scripts per-provider outcomes and counts calls.
type fakeAdapters struct {
	mu      sync.Mutex
	results map[string]*upstream.Result
	errs    map[string]error
	calls   map[string]int
}

func newFakeAdapters() *fakeAdapters {
	return &fakeAdapters{
		results: make(map[string]*upstream.Result),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeAdapters) factory(p *models.Provider) (upstream.Adapter, error) {
	return &fakeAdapter{parent: f, providerID: p.ID}, nil
}

func (f *fakeAdapters) callCount(providerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[providerID]
}

type fakeAdapter struct {
	parent     *fakeAdapters
	providerID string
}

func (a *fakeAdapter) Send(_ context.Context, _ upstream.Request) (*upstream.Result, error) {
	a.parent.mu.Lock()
	defer a.parent.mu.Unlock()
	a.parent.calls[a.providerID]++
	if err := a.parent.errs[a.providerID]; err != nil {
		return nil, err
	}
	if r := a.parent.results[a.providerID]; r != nil {
		return r, nil
	}
	return &upstream.Result{Content: "ok", InputTokens: 10, OutputTokens: 5}, nil
}

type testGateway struct {
	db       *gorm.DB
	exec     *Executor
	limiter  *ratelimit.MemoryLimiter
	adapters *fakeAdapters
	tenant   *models.Tenant
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	database, err := db.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}

	limiter := ratelimit.NewMemoryLimiter(time.Minute)
	brk := breaker.New(database, 3, 5, time.Minute)
	reg := registry.New(database, brk, limiter)
	tracker := usage.NewTracker(database)
	engine := budget.NewEngine(database, nil, true)
	adapters := newFakeAdapters()

	exec := New(database, reg, brk, limiter, adapters.factory,
		tracker, engine, 3, 30*time.Second)

	tenant := &models.Tenant{
		ID:           "t1",
		Name:         "Tenant One",
		APIKey:       "key-t1",
		DefaultModel: "gpt-4o",
		Active:       true,
	}
	if err := database.Create(tenant).Error; err != nil {
		t.Fatal(err)
	}

	return &testGateway{db: database, exec: exec, limiter: limiter, adapters: adapters, tenant: tenant}
}

func (g *testGateway) addProvider(t *testing.T, id string, priority, rateLimit int, status models.ProviderStatus) {
	t.Helper()
	if err := g.db.Create(&models.Provider{
		ID:                 id,
		Name:               id,
		Family:             models.FamilyOpenAI,
		Model:              "gpt-4o",
		RateLimit:          rateLimit,
		Priority:           priority,
		Status:             status,
		CostPerInputToken:  0.001,
		CostPerOutputToken: 0.002,
	}).Error; err != nil {
		t.Fatal(err)
	}
}

func chatRequest() Request {
	return Request{
		Model:    "gpt-4o",
		Messages: []upstream.Message{{Role: "user", Content: "hello there"}},
	}
}

func TestCompleteSuccess(t *testing.T) {
	g := newTestGateway(t)
	g.addProvider(t, "p1", 1, 100, models.StatusActive)

	resp, err := g.exec.Complete(context.Background(), g.tenant, chatRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.ProviderID != "p1" || resp.Content != "ok" {
		t.Fatalf("unexpected response %+v", resp)
	}
	wantCost := 10*0.001 + 5*0.002
	if resp.Cost != wantCost {
		t.Fatalf("cost = %v, want %v", resp.Cost, wantCost)
	}

	var recs []models.UsageRecord
	g.db.Find(&recs)
	if len(recs) != 1 || !recs[0].Success {
		t.Fatalf("want exactly one successful usage record, got %+v", recs)
	}
}

func TestFailoverToSecondProvider(t *testing.T) {
	g := newTestGateway(t)
	g.addProvider(t, "p1", 1, 100, models.StatusActive)
	g.addProvider(t, "p2", 2, 100, models.StatusActive)
	g.adapters.errs["p1"] = &upstream.APIError{StatusCode: http.StatusInternalServerError, Body: "boom"}

	resp, err := g.exec.Complete(context.Background(), g.tenant, chatRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.ProviderID != "p2" {
		t.Fatalf("should have failed over to p2, got %s", resp.ProviderID)
	}
	if g.adapters.callCount("p1") != 1 || g.adapters.callCount("p2") != 1 {
		t.Fatalf("call counts p1=%d p2=%d", g.adapters.callCount("p1"), g.adapters.callCount("p2"))
	}

	// The failed attempt is recorded and feeds the breaker.
	var failed int64
	g.db.Model(&models.UsageRecord{}).Where("provider_id = ? AND success = ?", "p1", false).Count(&failed)
	if failed != 1 {
		t.Fatalf("failed attempt on p1 should be recorded, got %d rows", failed)
	}
	var p1 models.Provider
	g.db.First(&p1, "id = ?", "p1")
	if p1.ErrorCount != 1 {
		t.Fatalf("p1 errorCount = %d, want 1", p1.ErrorCount)
	}
}

func TestRateLimitedProviderSkippedWithoutConsumingCapacity(t *testing.T) {
	g := newTestGateway(t)
	g.addProvider(t, "p1", 1, 2, models.StatusActive)
	g.addProvider(t, "p2", 2, 100, models.StatusActive)
	ctx := context.Background()

	// Exhaust p1's window out of band.
	key := ratelimit.ProviderKey("p1")
	for i := 0; i < 2; i++ {
		g.limiter.Admit(ctx, key, 2, 0, 0)
		g.limiter.Release(key)
	}

	resp, err := g.exec.Complete(ctx, g.tenant, chatRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.ProviderID != "p2" {
		t.Fatalf("blocked p1 should fail over to p2, got %s", resp.ProviderID)
	}
	if g.adapters.callCount("p1") != 0 {
		t.Fatal("p1 must not be called when its window is exhausted")
	}
	if got := g.limiter.Observed(ctx, key); got != 2 {
		t.Fatalf("p1 window counter = %d, want 2: the blocked attempt must not consume capacity", got)
	}
}

func TestAllProvidersBlockedReturns429(t *testing.T) {
	g := newTestGateway(t)
	g.addProvider(t, "p1", 1, 1, models.StatusActive)
	ctx := context.Background()

	key := ratelimit.ProviderKey("p1")
	g.limiter.Admit(ctx, key, 1, 0, 0)
	g.limiter.Release(key)

	_, err := g.exec.Complete(ctx, g.tenant, chatRequest())
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Code != CodeRateLimited {
		t.Fatalf("want rate_limit_error, got %v", err)
	}
	if gwErr.RetryAfter <= 0 {
		t.Fatal("429 must carry a retry-after hint")
	}
}

func TestCircuitOpenFailsFastWithoutNetworkCall(t *testing.T) {
	g := newTestGateway(t)
	g.addProvider(t, "p1", 1, 100, models.StatusCircuitOpen)
	now := time.Now()
	g.db.Model(&models.Provider{ID: "p1"}).Update("last_error_at", now)

	_, err := g.exec.Complete(context.Background(), g.tenant, chatRequest())
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Code != CodeProviderUnavailable {
		t.Fatalf("want provider_unavailable, got %v", err)
	}
	if g.adapters.callCount("p1") != 0 {
		t.Fatal("open circuit inside cool-down must not reach the network")
	}
}

func TestUsageWriteFailureStopsFailover(t *testing.T) {
	g := newTestGateway(t)
	g.addProvider(t, "p1", 1, 100, models.StatusActive)
	g.addProvider(t, "p2", 2, 100, models.StatusActive)

	// Break the usage ledger so the write after a successful upstream
	// call fails.
	if err := g.db.Migrator().DropTable(&models.UsageRecord{}); err != nil {
		t.Fatal(err)
	}

	_, err := g.exec.Complete(context.Background(), g.tenant, chatRequest())
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Code != CodeInternal {
		t.Fatalf("want internal_error, got %v", err)
	}

	// The first call completed and was billed upstream; no second
	// candidate may be dispatched for the same logical request.
	if g.adapters.callCount("p1") != 1 {
		t.Fatalf("p1 calls = %d, want 1", g.adapters.callCount("p1"))
	}
	if g.adapters.callCount("p2") != 0 {
		t.Fatalf("p2 calls = %d, want 0: failover after a billed call spends tokens twice", g.adapters.callCount("p2"))
	}
}

func TestRepeatedFailuresOpenCircuitThenFailFast(t *testing.T) {
	g := newTestGateway(t)
	g.addProvider(t, "p1", 1, 100, models.StatusActive)
	g.adapters.errs["p1"] = &upstream.APIError{StatusCode: http.StatusInternalServerError, Body: "down"}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := g.exec.Complete(ctx, g.tenant, chatRequest()); err == nil {
			t.Fatalf("request %d should fail", i)
		}
	}
	var p1 models.Provider
	g.db.First(&p1, "id = ?", "p1")
	if p1.Status != models.StatusCircuitOpen {
		t.Fatalf("after 5 failures status = %s, want CIRCUIT_OPEN", p1.Status)
	}
	calls := g.adapters.callCount("p1")

	// 6th request fails fast inside the cool-down, without a network call.
	_, err := g.exec.Complete(ctx, g.tenant, chatRequest())
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %v", err)
	}
	if g.adapters.callCount("p1") != calls {
		t.Fatal("open circuit must not reach the network")
	}
}

func TestHalfOpenProbeRecoversProvider(t *testing.T) {
	g := newTestGateway(t)
	g.addProvider(t, "p1", 1, 100, models.StatusCircuitOpen)
	past := time.Now().Add(-10 * time.Minute)
	g.db.Model(&models.Provider{ID: "p1"}).Update("last_error_at", past)

	resp, err := g.exec.Complete(context.Background(), g.tenant, chatRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.ProviderID != "p1" {
		t.Fatalf("probe should route to p1, got %s", resp.ProviderID)
	}

	var p1 models.Provider
	g.db.First(&p1, "id = ?", "p1")
	if p1.Status != models.StatusActive {
		t.Fatalf("successful probe should close the circuit, got %s", p1.Status)
	}
}

func TestNoEligibleProvider(t *testing.T) {
	g := newTestGateway(t)
	g.addProvider(t, "p1", 1, 100, models.StatusDisabled)

	_, err := g.exec.Complete(context.Background(), g.tenant, chatRequest())
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %v", err)
	}
}

func TestSuspendedTenantRejected(t *testing.T) {
	g := newTestGateway(t)
	g.addProvider(t, "p1", 1, 100, models.StatusActive)
	g.tenant.LLMSuspended = true

	_, err := g.exec.Complete(context.Background(), g.tenant, chatRequest())
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Code != CodeBudgetExceeded {
		t.Fatalf("want budget_exceeded, got %v", err)
	}
	if g.adapters.callCount("p1") != 0 {
		t.Fatal("suspended tenant must not reach any provider")
	}
}

func TestMessageValidation(t *testing.T) {
	g := newTestGateway(t)
	g.addProvider(t, "p1", 1, 100, models.StatusActive)

	cases := []struct {
		name     string
		messages []upstream.Message
	}{
		{"empty", nil},
		{"bad role", []upstream.Message{{Role: "tool", Content: "x"}}},
		{"empty content", []upstream.Message{{Role: "user", Content: ""}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.exec.Complete(context.Background(), g.tenant, Request{
				Model: "gpt-4o", Messages: tc.messages,
			})
			var gwErr *GatewayError
			if !errors.As(err, &gwErr) || gwErr.Code != CodeValidation {
				t.Fatalf("want validation_error, got %v", err)
			}
		})
	}
}

func TestAgentValidation(t *testing.T) {
	g := newTestGateway(t)
	g.addProvider(t, "p1", 1, 100, models.StatusActive)
	if err := g.db.Create(&models.TenantAgent{
		ID: "other-agent", TenantID: "t2", Name: "foreign", Active: true,
	}).Error; err != nil {
		t.Fatal(err)
	}

	req := chatRequest()
	req.AgentID = "missing"
	_, err := g.exec.Complete(context.Background(), g.tenant, req)
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Code != CodeNotFound {
		t.Fatalf("unknown agent: want not_found, got %v", err)
	}

	req.AgentID = "other-agent"
	_, err = g.exec.Complete(context.Background(), g.tenant, req)
	if !errors.As(err, &gwErr) || gwErr.Code != CodeValidation {
		t.Fatalf("foreign agent: want validation_error, got %v", err)
	}
}

func TestUsageAttributedToAgent(t *testing.T) {
	g := newTestGateway(t)
	g.addProvider(t, "p1", 1, 100, models.StatusActive)
	if err := g.db.Create(&models.TenantAgent{
		ID: "agent-1", TenantID: "t1", Name: "support-bot", Active: true,
	}).Error; err != nil {
		t.Fatal(err)
	}

	req := chatRequest()
	req.AgentID = "agent-1"
	if _, err := g.exec.Complete(context.Background(), g.tenant, req); err != nil {
		t.Fatal(err)
	}

	var rec models.UsageRecord
	if err := g.db.First(&rec).Error; err != nil {
		t.Fatal(err)
	}
	if rec.AgentID == nil || *rec.AgentID != "agent-1" {
		t.Fatalf("usage should be attributed to agent-1, got %v", rec.AgentID)
	}
}

func TestMaxAttemptsBoundsFailover(t *testing.T) {
	g := newTestGateway(t)
	for i, id := range []string{"p1", "p2", "p3", "p4"} {
		g.addProvider(t, id, i+1, 100, models.StatusActive)
		g.adapters.errs[id] = &upstream.APIError{StatusCode: http.StatusInternalServerError, Body: "down"}
	}

	_, err := g.exec.Complete(context.Background(), g.tenant, chatRequest())
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Code != CodeProviderUnavailable {
		t.Fatalf("want provider_unavailable, got %v", err)
	}
	total := 0
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		total += g.adapters.callCount(id)
	}
	if total != 3 {
		t.Fatalf("failover must stop after 3 attempts, made %d calls", total)
	}
}

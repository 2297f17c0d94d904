package ratelimit

import (
	"context"
	"fmt"
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed      bool  `json:"allowed"`
	Remaining    int   `json:"remaining"`
	RetryAfterMs int64 `json:"retry_after_ms"`
}

// Limiter admits requests against fixed-window counters. Admission and
// the in-flight concurrency check are a single atomic operation per
// key; two racing callers can never both be admitted past the limit.
type Limiter interface {
	// Admit checks and, if allowed, consumes one request slot and one
	// in-flight slot for the key.
	Admit(ctx context.Context, key string, limit, concurrency, estimatedTokens int) (Decision, error)
	// Release returns the in-flight slot taken by a successful Admit.
	Release(key string)
	// Observed reports the request count in the current window.
	Observed(ctx context.Context, key string) int
}

// concurrencyRetryMs is the retry hint for rejections caused by the
// in-flight cap rather than the window count. A slot can free on any
// Release, so the remaining-window time would overstate the wait.
const concurrencyRetryMs = 100

// ProviderKey builds the admission key for a provider-scoped limit.
func ProviderKey(providerID string) string {
	return "provider:" + providerID
}

// TenantProviderKey builds the admission key for a per-tenant,
// per-provider limit.
func TenantProviderKey(tenantID, providerID string) string {
	return fmt.Sprintf("tenant:%s:provider:%s", tenantID, providerID)
}

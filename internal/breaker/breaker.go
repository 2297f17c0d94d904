package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chatstack/llm-gateway/internal/db/models"
)

var errConflict = errors.New("concurrent status update")

// Breaker is the per-provider health state machine. Every transition
// writes the provider row and its history entry in one transaction,
// guarded by a compare-and-set on (status, error_count) so concurrent
// request handlers never clobber each other's observations.
type Breaker struct {
	db                *gorm.DB
	degradedThreshold int
	openThreshold     int
	cooldown          time.Duration
	now               func() time.Time

	mu     sync.Mutex
	probes map[string]struct{}
}

func New(database *gorm.DB, degradedThreshold, openThreshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		db:                database,
		degradedThreshold: degradedThreshold,
		openThreshold:     openThreshold,
		cooldown:          cooldown,
		now:               time.Now,
		probes:            make(map[string]struct{}),
	}
}

// Selectable reports whether the provider may receive traffic.
// CIRCUIT_OPEN providers become selectable again once the cool-down
// has elapsed, but only as a half-open probe (see AcquireProbe).
func (b *Breaker) Selectable(p *models.Provider) bool {
	if p.Routable() {
		return true
	}
	if p.Status != models.StatusCircuitOpen {
		return false
	}
	if p.LastErrorAt == nil {
		return true
	}
	return !b.now().Before(p.LastErrorAt.Add(b.cooldown))
}

// AcquireProbe grants the single half-open probe slot for a provider.
func (b *Breaker) AcquireProbe(providerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, inFlight := b.probes[providerID]; inFlight {
		return false
	}
	b.probes[providerID] = struct{}{}
	return true
}

func (b *Breaker) ReleaseProbe(providerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.probes, providerID)
}

// ReportSuccess feeds a successful provider call into the state
// machine. DEGRADED, RATE_LIMITED and half-open CIRCUIT_OPEN providers
// return to ACTIVE with a zeroed error count.
func (b *Breaker) ReportSuccess(ctx context.Context, providerID string) error {
	return b.withRetry(ctx, providerID, func(p *models.Provider) (models.ProviderStatus, map[string]interface{}, string) {
		now := b.now()
		to := p.Status
		switch p.Status {
		case models.StatusDegraded, models.StatusRateLimited, models.StatusCircuitOpen:
			to = models.StatusActive
		}
		updates := map[string]interface{}{
			"status":          to,
			"error_count":     0,
			"last_checked_at": now,
		}
		reason := "successful call"
		if p.Status == models.StatusCircuitOpen {
			reason = "half-open probe succeeded"
		}
		return to, updates, reason
	})
}

// ReportFailure feeds a failed provider call into the state machine.
func (b *Breaker) ReportFailure(ctx context.Context, providerID, cause string) error {
	return b.withRetry(ctx, providerID, func(p *models.Provider) (models.ProviderStatus, map[string]interface{}, string) {
		now := b.now()
		errorCount := p.ErrorCount + 1
		to := p.Status
		switch {
		case p.Status == models.StatusActive && errorCount >= b.degradedThreshold:
			to = models.StatusDegraded
		case (p.Status == models.StatusDegraded || p.Status == models.StatusRateLimited) && errorCount >= b.openThreshold:
			to = models.StatusCircuitOpen
		}
		updates := map[string]interface{}{
			"status":        to,
			"error_count":   errorCount,
			"last_error_at": now,
		}
		reason := fmt.Sprintf("%d consecutive failures: %s", errorCount, cause)
		return to, updates, reason
	})
}

// ReportRateLimited marks a provider as throttled upstream. The error
// count is preserved so sustained throttling can still trip the
// breaker through ReportFailure.
func (b *Breaker) ReportRateLimited(ctx context.Context, providerID, cause string) error {
	return b.withRetry(ctx, providerID, func(p *models.Provider) (models.ProviderStatus, map[string]interface{}, string) {
		now := b.now()
		to := p.Status
		if p.Status == models.StatusActive || p.Status == models.StatusDegraded {
			to = models.StatusRateLimited
		}
		updates := map[string]interface{}{
			"status":        to,
			"last_error_at": now,
		}
		return to, updates, "provider throttled: " + cause
	})
}

// SetStatus applies a manual admin override. Only ACTIVE, MAINTENANCE
// and DISABLED may be set by hand, and the reason is mandatory.
func (b *Breaker) SetStatus(ctx context.Context, providerID string, to models.ProviderStatus, reason string) error {
	switch to {
	case models.StatusActive, models.StatusMaintenance, models.StatusDisabled:
	default:
		return fmt.Errorf("status %s cannot be set manually", to)
	}
	if reason == "" {
		return errors.New("a reason is required for manual status changes")
	}
	return b.withRetry(ctx, providerID, func(p *models.Provider) (models.ProviderStatus, map[string]interface{}, string) {
		updates := map[string]interface{}{"status": to}
		if to == models.StatusActive {
			updates["error_count"] = 0
		}
		return to, updates, reason
	})
}

// withRetry loads the provider, lets decide compute the transition and
// applies it with a CAS-guarded transactional write, retrying on
// conflict with a fresh read.
func (b *Breaker) withRetry(ctx context.Context, providerID string, decide func(p *models.Provider) (models.ProviderStatus, map[string]interface{}, string)) error {
	for attempt := 0; attempt < 5; attempt++ {
		var p models.Provider
		if err := b.db.WithContext(ctx).First(&p, "id = ?", providerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("provider %s not found", providerID)
			}
			return err
		}
		to, updates, reason := decide(&p)
		err := b.apply(ctx, &p, to, updates, reason)
		if errors.Is(err, errConflict) {
			continue
		}
		return err
	}
	return errConflict
}

func (b *Breaker) apply(ctx context.Context, from *models.Provider, to models.ProviderStatus, updates map[string]interface{}, reason string) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Provider{}).
			Where("id = ? AND status = ? AND error_count = ?", from.ID, from.Status, from.ErrorCount).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errConflict
		}
		if to == from.Status {
			return nil
		}
		return tx.Create(&models.ProviderStatusHistory{
			ID:         uuid.New().String(),
			ProviderID: from.ID,
			FromStatus: from.Status,
			ToStatus:   to,
			Reason:     reason,
		}).Error
	})
}

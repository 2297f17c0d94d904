package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/chatstack/llm-gateway/internal/db/models"
	"github.com/chatstack/llm-gateway/internal/executor"
)

// GetTenantSettings handles GET /admin/tenants/{id}/llm-settings.
func GetTenantSettings(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var tenant models.Tenant
		if err := database.WithContext(r.Context()).First(&tenant, "id = ?", id).Error; err != nil {
			writeError(w, http.StatusNotFound, executor.CodeNotFound, "unknown tenant")
			return
		}
		writeJSON(w, http.StatusOK, tenant)
	}
}

type tenantSettingsRequest struct {
	DefaultModel     *string    `json:"default_model,omitempty"`
	MonthlyBudget    *float64   `json:"monthly_budget,omitempty"`
	DailyLimit       *float64   `json:"daily_limit,omitempty"`
	AlertThresholds  *[]float64 `json:"alert_thresholds,omitempty"`
	AllowedProviders *[]string  `json:"allowed_providers,omitempty"`
	LLMSuspended     *bool      `json:"llm_suspended,omitempty"`
}

// UpdateTenantSettings handles PATCH /admin/tenants/{id}/llm-settings.
// Only the fields present in the body change; clearing llm_suspended
// here is how an operator lifts an automatic suspension.
func UpdateTenantSettings(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var tenant models.Tenant
		if err := database.WithContext(r.Context()).First(&tenant, "id = ?", id).Error; err != nil {
			writeError(w, http.StatusNotFound, executor.CodeNotFound, "unknown tenant")
			return
		}

		var req tenantSettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, executor.CodeValidation, "invalid JSON body")
			return
		}

		if req.MonthlyBudget != nil && *req.MonthlyBudget < 0 {
			writeError(w, http.StatusBadRequest, executor.CodeValidation, "monthly_budget must not be negative")
			return
		}
		if req.DailyLimit != nil && *req.DailyLimit < 0 {
			writeError(w, http.StatusBadRequest, executor.CodeValidation, "daily_limit must not be negative")
			return
		}
		if req.AlertThresholds != nil {
			for _, t := range *req.AlertThresholds {
				if t <= 0 || t >= 1 {
					writeError(w, http.StatusBadRequest, executor.CodeValidation,
						"alert_thresholds must be fractions between 0 and 1")
					return
				}
			}
		}

		if req.DefaultModel != nil {
			tenant.DefaultModel = *req.DefaultModel
		}
		if req.MonthlyBudget != nil {
			tenant.MonthlyBudget = *req.MonthlyBudget
		}
		if req.DailyLimit != nil {
			tenant.DailyLimit = *req.DailyLimit
		}
		if req.AlertThresholds != nil {
			tenant.AlertThresholds = *req.AlertThresholds
		}
		if req.AllowedProviders != nil {
			tenant.AllowedProviders = *req.AllowedProviders
		}
		if req.LLMSuspended != nil {
			tenant.LLMSuspended = *req.LLMSuspended
		}

		if err := database.WithContext(r.Context()).Save(&tenant).Error; err != nil {
			writeGatewayError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tenant)
	}
}

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/chatstack/llm-gateway/internal/breaker"
	"github.com/chatstack/llm-gateway/internal/db/models"
	"github.com/chatstack/llm-gateway/internal/executor"
	"github.com/chatstack/llm-gateway/internal/registry"
)

type providerView struct {
	models.Provider
	CurrentLoad      float64                       `json:"current_load"`
	LastStatusChange *models.ProviderStatusHistory `json:"last_status_change,omitempty"`
}

// ListProviders handles GET /admin/providers: the full pool with
// current load and the most recent status transition per provider.
func ListProviders(database *gorm.DB, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var pool []models.Provider
		if err := database.WithContext(r.Context()).
			Order("priority asc, id asc").Find(&pool).Error; err != nil {
			writeGatewayError(w, r, err)
			return
		}

		views := make([]providerView, 0, len(pool))
		for i := range pool {
			p := pool[i]
			view := providerView{
				Provider:    p,
				CurrentLoad: reg.CurrentLoad(r.Context(), &p),
			}
			var last models.ProviderStatusHistory
			if err := database.WithContext(r.Context()).
				Where("provider_id = ?", p.ID).
				Order("created_at desc").First(&last).Error; err == nil {
				view.LastStatusChange = &last
			}
			views = append(views, view)
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"providers": views})
	}
}

type providerStatusRequest struct {
	Status models.ProviderStatus `json:"status"`
	Reason string                `json:"reason"`
}

// UpdateProviderStatus handles PATCH /admin/providers/{id}: a manual
// status override routed through the breaker so the transition is
// audited like any other.
func UpdateProviderStatus(database *gorm.DB, brk *breaker.Breaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req providerStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, executor.CodeValidation, "invalid JSON body")
			return
		}
		if req.Reason == "" {
			writeError(w, http.StatusBadRequest, executor.CodeValidation, "reason is required")
			return
		}

		var p models.Provider
		if err := database.WithContext(r.Context()).First(&p, "id = ?", id).Error; err != nil {
			writeError(w, http.StatusNotFound, executor.CodeNotFound, "unknown provider")
			return
		}

		if err := brk.SetStatus(r.Context(), id, req.Status, req.Reason); err != nil {
			writeError(w, http.StatusBadRequest, executor.CodeValidation, err.Error())
			return
		}

		if err := database.WithContext(r.Context()).First(&p, "id = ?", id).Error; err != nil {
			writeGatewayError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

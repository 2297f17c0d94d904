package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/chatstack/llm-gateway/internal/db/models"
	"github.com/chatstack/llm-gateway/internal/executor"
)

// ListAlerts handles GET /admin/alerts. Filterable by tenant_id, type
// and acknowledged; newest first, paginated with limit/offset.
func ListAlerts(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := database.WithContext(r.Context()).Model(&models.UsageAlert{})

		if tenantID := r.URL.Query().Get("tenant_id"); tenantID != "" {
			q = q.Where("tenant_id = ?", tenantID)
		}
		if alertType := r.URL.Query().Get("type"); alertType != "" {
			q = q.Where("type = ?", alertType)
		}
		if ack := r.URL.Query().Get("acknowledged"); ack != "" {
			parsed, err := strconv.ParseBool(ack)
			if err != nil {
				writeError(w, http.StatusBadRequest, executor.CodeValidation, "acknowledged must be a boolean")
				return
			}
			q = q.Where("acknowledged = ?", parsed)
		}
		if from := r.URL.Query().Get("from"); from != "" {
			t, err := time.Parse(time.RFC3339, from)
			if err != nil {
				writeError(w, http.StatusBadRequest, executor.CodeValidation, "from must be RFC 3339")
				return
			}
			q = q.Where("created_at >= ?", t)
		}
		if to := r.URL.Query().Get("to"); to != "" {
			t, err := time.Parse(time.RFC3339, to)
			if err != nil {
				writeError(w, http.StatusBadRequest, executor.CodeValidation, "to must be RFC 3339")
				return
			}
			q = q.Where("created_at < ?", t)
		}

		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
				limit = parsed
			}
		}
		offset := 0
		if raw := r.URL.Query().Get("offset"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				offset = parsed
			}
		}

		var total int64
		if err := q.Count(&total).Error; err != nil {
			writeGatewayError(w, r, err)
			return
		}

		var alerts []models.UsageAlert
		if err := q.Order("created_at desc").Limit(limit).Offset(offset).Find(&alerts).Error; err != nil {
			writeGatewayError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"alerts": alerts,
			"total":  total,
			"limit":  limit,
			"offset": offset,
		})
	}
}

type ackRequest struct {
	AlertID  string   `json:"alert_id,omitempty"`
	AlertIDs []string `json:"alert_ids,omitempty"`
}

func (r *ackRequest) ids() []string {
	if r.AlertID != "" {
		return append([]string{r.AlertID}, r.AlertIDs...)
	}
	return r.AlertIDs
}

// AcknowledgeAlerts handles POST /admin/alerts/ack. Idempotent:
// already-acknowledged and unknown IDs are skipped, and the count of
// rows actually flipped is returned.
func AcknowledgeAlerts(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, executor.CodeValidation, "invalid JSON body")
			return
		}
		ids := req.ids()
		if len(ids) == 0 {
			writeError(w, http.StatusBadRequest, executor.CodeValidation, "alert_id or alert_ids is required")
			return
		}

		res := database.WithContext(r.Context()).Model(&models.UsageAlert{}).
			Where("id IN ? AND acknowledged = ?", ids, false).
			Update("acknowledged", true)
		if res.Error != nil {
			writeGatewayError(w, r, res.Error)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"acknowledged": res.RowsAffected})
	}
}

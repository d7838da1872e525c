package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nivalis-io/ipa-orchestrator/internal/db"
)

// jobView is the operator-facing shape of one job row.
type jobView struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	ImageExport   string    `json:"image_export_status"`
	StatsExport   string    `json:"stats_export_status"`
	WebsiteUpdate string    `json:"website_update_status"`
	Report        string    `json:"report_status"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type jobListResponse struct {
	Total int64     `json:"total"`
	Jobs  []jobView `json:"jobs"`
}

func toJobViews(jobs []db.Job) []jobView {
	views := make([]jobView, len(jobs))
	for i := range jobs {
		j := &jobs[i]
		views[i] = jobView{
			ID:            j.ID.String(),
			Status:        string(j.JobStatus),
			ImageExport:   string(j.ImageExportStatus),
			StatsExport:   string(j.StatsExportStatus),
			WebsiteUpdate: string(j.WebsiteUpdateStatus),
			Report:        string(j.ReportStatus),
			Error:         j.Error,
			CreatedAt:     j.CreatedAt,
			UpdatedAt:     j.UpdatedAt,
		}
	}
	return views
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

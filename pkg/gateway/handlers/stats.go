package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vocalis/pkg/gateway/live/sessions"
)

// StatsHandler reports live session counts for operational checks.
type StatsHandler struct {
	Tracker *sessions.Tracker
}

func (h StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type statsResp struct {
		Active   int             `json:"active"`
		Total    int64           `json:"total"`
		Sessions []sessions.Info `json:"sessions"`
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(statsResp{
		Active:   h.Tracker.Count(),
		Total:    h.Tracker.TotalStarted(),
		Sessions: h.Tracker.Snapshots(),
	})
}

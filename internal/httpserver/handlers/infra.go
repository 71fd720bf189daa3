package handlers

import (
	"context"
	"net/http"

	"github.com/MrSnakeDoc/shelf/internal/config"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
)

type componentStatus struct {
	OK       bool   `json:"ok"`
	Mode     string `json:"mode,omitempty"`
	Sessions *int   `json:"sessions,omitempty"`
	Pool     *int   `json:"pool_total_conns,omitempty"`
	Impact   string `json:"impact,omitempty"`
	Error    string `json:"error,omitempty"`
}

type infraResponse struct {
	SyncMode   string                     `json:"sync_mode"`
	Components map[string]componentStatus `json:"components"`
}

// Infra reports the status of each component and the resulting sync mode:
// "live" when everything answers, "critical" when the Store does not.
func Infra(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := d.Sessions.Count()

		components := map[string]componentStatus{
			"store": checkStore(r.Context(), d),
			"sessions": {
				OK:       true,
				Sessions: &sessions,
			},
			"import": {
				OK:   true,
				Mode: importMode(d),
			},
		}

		writeJSON(w, http.StatusOK, infraResponse{
			SyncMode:   determineSyncMode(components),
			Components: components,
		})
	}
}

func determineSyncMode(components map[string]componentStatus) string {
	if store, exists := components["store"]; exists && !store.OK {
		return "critical" // no snapshots, no mutations, no feed
	}
	return "live"
}

func checkStore(ctx context.Context, d deps.Deps) componentStatus {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	status := componentStatus{OK: true, Mode: d.Backend}
	if d.Backend == config.BackendMemory {
		status.Impact = "data-lost-on-restart"
	}
	if d.RedisClient != nil {
		total := int(d.RedisClient.PoolStats().TotalConns)
		status.Pool = &total
	}

	if err := d.Store.Ping(ctx); err != nil {
		status.OK = false
		status.Impact = "sync-unavailable"
		status.Error = err.Error()
	}
	return status
}

func importMode(d deps.Deps) string {
	if d.ImportTrigger == nil {
		return "disabled"
	}
	return "scheduled"
}

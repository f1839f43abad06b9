package httpapi

import (
	"net/http"
)

// StatsHandler returns rolling-window aggregates: global, by deployment,
// and by tenant.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Stats == nil {
			jsonError(w, "stats not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, map[string]any{
			"global":        d.Stats.Global(),
			"by_deployment": d.Stats.Summary(),
			"by_tenant":     d.Stats.SummaryByTenant(),
		})
	}
}

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// BudgetHandler returns the tenant's current-month spend against its
// aggregate policy ceiling.
func BudgetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenant")
		status, err := d.Policies.Status(r.Context(), tenantID)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, status)
	}
}

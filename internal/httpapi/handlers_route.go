package httpapi

import (
	"errors"
	"net/http"

	"encoding/json"

	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/tenant"
)

// RouteHandler resolves a routing request to a deployment without invoking
// the backend. The decision is returned even when no deployment could be
// selected; the reason field says why.
func RouteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req router.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.TenantID == "" {
			req.TenantID = tenant.FromContext(r.Context())
		}

		decision, err := d.Engine.Route(r.Context(), req)
		if err != nil {
			if errors.Is(err, router.ErrBadRequest) {
				jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, decision)
	}
}

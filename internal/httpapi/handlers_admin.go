package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// DeploymentsListHandler returns all deployments, optionally filtered by
// capability, tag, or health.
func DeploymentsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("capability") != "":
			writeJSON(w, d.Directory.ByCapability(q.Get("capability")))
		case q.Get("tag") != "":
			writeJSON(w, d.Directory.ByTag(q.Get("tag")))
		case q.Get("healthy") == "true":
			writeJSON(w, d.Directory.Healthy())
		default:
			writeJSON(w, d.Directory.List())
		}
	}
}

// DeploymentGetHandler returns a single deployment by name.
func DeploymentGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		dep, ok := d.Directory.Get(name)
		if !ok {
			jsonError(w, "deployment not found", http.StatusNotFound)
			return
		}
		writeJSON(w, dep)
	}
}

// CatalogSummaryHandler returns aggregate catalog counts.
func CatalogSummaryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, d.Directory.Summarize())
	}
}

// PoliciesListHandler returns all routing policies.
func PoliciesListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, d.Policies.List())
	}
}

// ReloadHandler re-reads the catalog and policy files from disk. A failed
// reload keeps the previous snapshots and returns the error.
func ReloadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Reload == nil {
			jsonError(w, "reload not configured", http.StatusNotImplemented)
			return
		}
		if err := d.Reload(r.Context()); err != nil {
			jsonError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		writeJSON(w, map[string]any{
			"status":      "reloaded",
			"deployments": d.Directory.Summarize().TotalDeployments,
			"policies":    len(d.Policies.List()),
		})
	}
}

// DecisionsHandler pages through the persisted decision audit log.
func DecisionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Decisions == nil {
			jsonError(w, "decision log not persisted", http.StatusNotImplemented)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		logs, err := d.Decisions.ListDecisionLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logs)
	}
}

// VaultUnlockHandler unlocks the vault with the supplied master password and
// reloads the catalog so vault-resolved endpoints come into rotation.
func VaultUnlockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := d.Vault.Unlock([]byte(body.Password)); err != nil {
			jsonError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if d.Reload != nil {
			if err := d.Reload(r.Context()); err != nil {
				jsonError(w, "unlocked but reload failed: "+err.Error(), http.StatusUnprocessableEntity)
				return
			}
		}
		writeJSON(w, map[string]string{"status": "unlocked"})
	}
}

// VaultLockHandler locks the vault and clears the derived key.
func VaultLockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		d.Vault.Lock()
		writeJSON(w, map[string]string{"status": "locked"})
	}
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/modelmux/modelmux/internal/invoke"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/tenant"
)

// ChatProxyRequest is the JSON body for /v1/chat/completions: the chat
// payload plus optional routing hints.
type ChatProxyRequest struct {
	Feature              string   `json:"feature"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	UserOverride         string   `json:"user_override,omitempty"`
	QualityPriority      *bool    `json:"quality_priority,omitempty"`

	invoke.ChatRequest
}

// ChatProxyResponse wraps the backend response with the routing decision.
type ChatProxyResponse struct {
	DecisionID         string               `json:"decision_id"`
	SelectedDeployment string               `json:"selected_deployment"`
	Reason             string               `json:"reason"`
	UsedFallback       bool                 `json:"used_fallback"`
	LatencyMs          int64                `json:"latency_ms"`
	Response           *invoke.ChatResponse `json:"response"`
}

// EmbeddingsProxyRequest is the JSON body for /v1/embeddings.
type EmbeddingsProxyRequest struct {
	Feature      string `json:"feature"`
	UserOverride string `json:"user_override,omitempty"`

	invoke.EmbeddingRequest
}

// EmbeddingsProxyResponse wraps the backend response with the routing decision.
type EmbeddingsProxyResponse struct {
	DecisionID         string                    `json:"decision_id"`
	SelectedDeployment string                    `json:"selected_deployment"`
	Reason             string                    `json:"reason"`
	UsedFallback       bool                      `json:"used_fallback"`
	LatencyMs          int64                     `json:"latency_ms"`
	Response           *invoke.EmbeddingResponse `json:"response"`
}

// ChatHandler routes the request, forwards it to the selected deployment,
// and returns the backend response with the decision attached.
func ChatHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatProxyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 {
			jsonError(w, "messages required", http.StatusBadRequest)
			return
		}

		tenantID := tenant.FromContext(r.Context())
		decision, ok := routeOrFail(w, r, d, router.Request{
			TenantID:               tenantID,
			Feature:                req.Feature,
			RequiredCapabilities:   appendCapability(req.RequiredCapabilities, "chat"),
			UserOverride:           req.UserOverride,
			QualityPriority:        req.QualityPriority,
			EstimatedContextTokens: estimateChatTokens(req.ChatRequest),
		})
		if !ok {
			return
		}

		start := time.Now()
		resp, err := d.Invoker.ChatCompletion(r.Context(), tenantID, decision.SelectedDeployment, req.ChatRequest)
		if err != nil {
			invokeError(w, err)
			return
		}
		writeJSON(w, ChatProxyResponse{
			DecisionID:         decision.ID,
			SelectedDeployment: decision.SelectedDeployment,
			Reason:             decision.Reason,
			UsedFallback:       decision.UsedFallback,
			LatencyMs:          time.Since(start).Milliseconds(),
			Response:           resp,
		})
	}
}

// EmbeddingsHandler routes and forwards an embeddings request.
func EmbeddingsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EmbeddingsProxyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if len(req.Input) == 0 {
			jsonError(w, "input required", http.StatusBadRequest)
			return
		}

		tenantID := tenant.FromContext(r.Context())
		decision, ok := routeOrFail(w, r, d, router.Request{
			TenantID:             tenantID,
			Feature:              req.Feature,
			RequiredCapabilities: []string{"embeddings"},
			UserOverride:         req.UserOverride,
		})
		if !ok {
			return
		}

		start := time.Now()
		resp, err := d.Invoker.Embedding(r.Context(), tenantID, decision.SelectedDeployment, req.EmbeddingRequest)
		if err != nil {
			invokeError(w, err)
			return
		}
		writeJSON(w, EmbeddingsProxyResponse{
			DecisionID:         decision.ID,
			SelectedDeployment: decision.SelectedDeployment,
			Reason:             decision.Reason,
			UsedFallback:       decision.UsedFallback,
			LatencyMs:          time.Since(start).Milliseconds(),
			Response:           resp,
		})
	}
}

// routeOrFail runs the engine and writes the error response for unroutable
// requests. The bool result reports whether a deployment was selected.
func routeOrFail(w http.ResponseWriter, r *http.Request, d Dependencies, req router.Request) (router.Decision, bool) {
	decision, err := d.Engine.Route(r.Context(), req)
	if err != nil {
		if errors.Is(err, router.ErrBadRequest) {
			jsonError(w, err.Error(), http.StatusBadRequest)
		} else {
			jsonError(w, err.Error(), http.StatusInternalServerError)
		}
		return router.Decision{}, false
	}
	if !decision.Routed() {
		switch decision.Reason {
		case router.ReasonNoPolicy:
			jsonError(w, "no routing policy for feature", http.StatusNotFound)
		default:
			jsonError(w, "no suitable deployment", http.StatusServiceUnavailable)
		}
		return decision, false
	}
	return decision, true
}

// invokeError maps invocation failures onto HTTP status codes.
func invokeError(w http.ResponseWriter, err error) {
	var berr *invoke.BackendError
	switch {
	case errors.As(err, &berr):
		jsonError(w, berr.Message, http.StatusBadGateway)
	case errors.Is(err, invoke.ErrBreakerOpen):
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, invoke.ErrUnknownDeployment):
		jsonError(w, err.Error(), http.StatusNotFound)
	default:
		jsonError(w, err.Error(), http.StatusBadGateway)
	}
}

func appendCapability(caps []string, cap string) []string {
	for _, c := range caps {
		if c == cap {
			return caps
		}
	}
	return append(caps, cap)
}

// estimateChatTokens approximates prompt size at four characters per token.
func estimateChatTokens(req invoke.ChatRequest) int {
	var chars int
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	return chars / 4
}

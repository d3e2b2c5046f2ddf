package server

import (
	"encoding/json"
	"net/http"

	openapi "github.com/swaggest/openapi-go"
	"github.com/swaggest/openapi-go/openapi3"

	"github.com/xiaohuo/verifybot/internal/handler/health"
)

// ErrorResponse is returned for all error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EventRequest documents the webhook body. Only the fields the bot reads
// are listed.
type EventRequest struct {
	Challenge string `json:"challenge,omitempty"`
	Type      string `json:"type,omitempty"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type" enum:"im.message.receive_v1,im.chat.member.bot.added_v1,im.message.action.v1,card.action.trigger"`
	} `json:"header"`
	Event map[string]any `json:"event,omitempty"`
}

func newOpenAPISpec(eventPath string) *openapi3.Spec {
	r := openapi3.NewReflector()
	r.Spec.Info.Title = "Verify Bot API"
	r.Spec.Info.Version = "0.1.0"
	r.Spec.Info.WithDescription("Webhook and operations endpoints of the QR verification bot.")

	// GET /
	getStatus, _ := r.NewOperationContext(http.MethodGet, "/")
	getStatus.SetSummary("Service status")
	getStatus.SetDescription("Returns the running configuration summary.")
	getStatus.AddRespStructure(Status{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(getStatus)

	// GET /healthz
	getHealthz, _ := r.NewOperationContext(http.MethodGet, "/healthz")
	getHealthz.SetSummary("Health check")
	getHealthz.SetDescription("Returns the health status of the session store and verdict cache.")
	getHealthz.AddRespStructure(health.Response{}, openapi.WithHTTPStatus(http.StatusOK))
	getHealthz.AddRespStructure(health.Response{}, openapi.WithHTTPStatus(http.StatusServiceUnavailable))
	_ = r.AddOperation(getHealthz)

	// POST event callback
	postEvent, _ := r.NewOperationContext(http.MethodPost, eventPath)
	postEvent.SetSummary("Platform event callback")
	postEvent.SetDescription("Receives platform events. The URL verification handshake is answered " +
		"with its challenge; every other request must carry a valid signature when an encrypt key is configured.")
	postEvent.AddReqStructure(EventRequest{})
	postEvent.AddRespStructure(EventAck{}, openapi.WithHTTPStatus(http.StatusOK))
	postEvent.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
	postEvent.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	postEvent.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusInternalServerError))
	_ = r.AddOperation(postEvent)

	// GET /ops/alerts
	getAlerts, _ := r.NewOperationContext(http.MethodGet, "/ops/alerts")
	getAlerts.SetSummary("Operator alert stream")
	getAlerts.SetDescription("Upgrades to a WebSocket that streams permission alerts. Requires the ops token.")
	getAlerts.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusSwitchingProtocols),
		openapi.WithContentType("text/plain"))
	getAlerts.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(getAlerts)

	return r.Spec
}

func handleOpenAPI(eventPath string) http.HandlerFunc {
	spec := newOpenAPISpec(eventPath)
	data, _ := json.MarshalIndent(spec, "", "  ")

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/swaggest/swgui/v5emb"

	"github.com/xiaohuo/verifybot/internal/handler/alerts"
	"github.com/xiaohuo/verifybot/internal/handler/health"
)

func addRoutes(r chi.Router, d Deps) {
	r.Get("/", handleStatus(d.Status))
	r.Get("/openapi.json", handleOpenAPI(d.EventPath))
	r.Mount("/docs", v5emb.New("Verify Bot API", "/openapi.json", "/docs"))
	r.Mount("/healthz", health.NewHandler(d.Logger, d.Checks).Routes())

	r.Post(d.EventPath, handleEvent(d.Logger, d.Events, d.Dispatcher, d.EncryptKey))

	// Operator alerts are only exposed when a token hash is configured.
	if d.OpsTokenHash != "" && d.Alerts != nil {
		r.With(opsAuthMiddleware(d.OpsTokenHash)).
			Mount("/ops/alerts", alerts.NewHandler(d.Logger, d.Alerts).Routes())
	}
}

// Package alerts streams operator alerts over a WebSocket.
package alerts

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/xiaohuo/verifybot/internal/alert"
)

type Handler struct {
	broker *alert.Broker
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger, broker *alert.Broker) *Handler {
	return &Handler{broker: broker, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.stream)
	return r
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Operators only listen; CloseRead handles their control frames and
	// cancels ctx when they go away.
	ctx := conn.CloseRead(r.Context())

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ch:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				h.logger.Debug("alert write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.Ping(ctx); err != nil {
				h.logger.Debug("alert ping failed", "error", err)
				return
			}
		}
	}
}

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/xiaohuo/verifybot/internal/bot"
	"github.com/xiaohuo/verifybot/internal/lark"
	"github.com/xiaohuo/verifybot/internal/store"
)

const maxEventBytes = 1 << 20

// EventHandler processes one parsed, authenticated event.
type EventHandler interface {
	HandleEvent(ctx context.Context, env bot.Envelope) error
}

// Dispatcher queues an event for background processing.
type Dispatcher interface {
	Dispatch(env bot.Envelope)
}

// EventAck is the success body the platform expects.
type EventAck struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ChallengeResponse echoes the URL verification token.
type ChallengeResponse struct {
	Challenge string `json:"challenge"`
}

var ack = EventAck{Code: 0, Msg: "success"}

func handleEvent(logger *slog.Logger, events EventHandler, dispatcher Dispatcher, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "reading body failed")
			return
		}

		env, err := bot.ParseEnvelope(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid event body")
			return
		}

		// The handshake is answered before authentication.
		if env.IsChallenge() {
			logger.Info("answering url verification")
			writeJSON(w, http.StatusOK, ChallengeResponse{Challenge: *env.Challenge})
			return
		}

		if err := lark.VerifySignature(r.Header, body, secret); err != nil {
			logger.Warn("rejecting event", "error", err, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		if dispatcher != nil {
			dispatcher.Dispatch(env)
			writeJSON(w, http.StatusOK, ack)
			return
		}

		if err := events.HandleEvent(r.Context(), env); err != nil {
			logger.Error("event processing failed",
				"event_id", env.Header.EventID,
				"event_type", env.Header.EventType,
				"error", err,
			)
			if errors.Is(err, store.ErrUnavailable) {
				writeError(w, http.StatusInternalServerError, "session store unavailable")
				return
			}
			writeError(w, http.StatusInternalServerError, "event processing failed")
			return
		}
		writeJSON(w, http.StatusOK, ack)
	}
}

package server

import (
	"net/http"
	"time"
)

// Status describes the running bot on GET /.
type Status struct {
	Status       string    `json:"status"`
	Message      string    `json:"message"`
	Service      string    `json:"service"`
	StoreBackend string    `json:"store_backend"`
	LarkClient   string    `json:"lark_client"`
	Verification bool      `json:"verification_enabled"`
	Insecure     bool      `json:"insecure_webhook"`
	StartedAt    time.Time `json:"started_at"`
}

func handleStatus(s Status) http.HandlerFunc {
	s.Status = "ok"
	s.Message = "小火验证机器人正在运行"
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s)
	}
}

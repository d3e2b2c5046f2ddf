package lark

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
)

// Webhook authentication headers.
const (
	HeaderSignature = "X-Lark-Signature"
	HeaderTimestamp = "X-Lark-Request-Timestamp"
	HeaderNonce     = "X-Lark-Request-Nonce"
)

var (
	ErrMissingSignature = errors.New("missing signature headers")
	ErrBadSignature     = errors.New("signature mismatch")
)

// Sign returns base64(HMAC-SHA256(secret, timestamp+nonce+secret+body)).
func Sign(timestamp, nonce, secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(nonce))
	mac.Write([]byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook request against secret. An empty secret
// accepts everything.
func VerifySignature(h http.Header, body []byte, secret string) error {
	if secret == "" {
		return nil
	}
	sig := h.Get(HeaderSignature)
	ts := h.Get(HeaderTimestamp)
	nonce := h.Get(HeaderNonce)
	if sig == "" || ts == "" || nonce == "" {
		return ErrMissingSignature
	}
	if !hmac.Equal([]byte(sig), []byte(Sign(ts, nonce, secret, body))) {
		return ErrBadSignature
	}
	return nil
}

// Package verify decides whether a decoded QR payload entitles a user to
// join a group category, by asking the external authorization API.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/xiaohuo/verifybot/internal/store"
	"github.com/xiaohuo/verifybot/internal/verifybot"
)

const (
	detailBypassed     = "API验证未启用，默认允许加群"
	detailCachedAllow  = "验证通过（来自缓存）"
	detailCachedDeny   = "验证失败（来自缓存）"
	detailAllowed      = "验证通过"
	detailDenied       = "验证失败，无权限加入该群组"
	detailBusy         = "验证服务繁忙，请稍后再试"
	detailBadResponse  = "验证服务返回了无法解析的结果"
	detailUnavailable  = "验证服务暂时不可用，请稍后重试"
	maxResponseBodyLen = 1 << 20
)

// Config controls the authorization API call.
type Config struct {
	Enabled  bool
	Endpoint string
	Token    string
	EventID  string
	Timeout  time.Duration
	// RatePerMinute caps upstream calls; zero means unlimited.
	RatePerMinute int
}

// Verifier checks (user, payload, category) triples, consulting the
// verdict cache before the API. It never returns an error: every failure
// becomes a denied Verdict whose Detail says what went wrong.
type Verifier struct {
	cfg     Config
	cache   store.Verdicts
	client  *http.Client
	limiter *rate.Limiter
	flight  singleflight.Group
	logger  *slog.Logger
}

func New(cfg Config, cache store.Verdicts, logger *slog.Logger) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(float64(cfg.RatePerMinute) / 60)
		burst = cfg.RatePerMinute
	}
	return &Verifier{
		cfg:     cfg,
		cache:   cache,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// upstream is the outcome of one API call. Only explicit verdicts are
// cacheable; transport and protocol failures are not.
type upstream struct {
	verdict   verifybot.Verdict
	cacheable bool
}

func (v *Verifier) Verify(ctx context.Context, userID, payload string, category verifybot.Category) verifybot.Verdict {
	if !v.cfg.Enabled {
		v.logger.Warn("authorization check bypassed by configuration",
			"user_id", userID, "group_type", category)
		return verifybot.Verdict{Authorized: true, Detail: detailBypassed}
	}

	key := verifybot.VerdictKey{UserID: userID, Payload: payload, Category: category}

	authorized, ok, err := v.cache.Get(ctx, key)
	if err != nil {
		v.logger.Error("reading verdict cache", "user_id", userID, "error", err)
	}
	if ok {
		detail := detailCachedDeny
		if authorized {
			detail = detailCachedAllow
		}
		return verifybot.Verdict{Authorized: authorized, Detail: detail, FromCache: true}
	}

	// The shared call outlives any one caller; call bounds it by cfg.Timeout.
	flightKey := userID + "\x00" + string(category) + "\x00" + payload
	res, _, _ := v.flight.Do(flightKey, func() (any, error) {
		return v.call(context.WithoutCancel(ctx), payload), nil
	})
	up := res.(upstream)

	if up.cacheable {
		if err := v.cache.Put(ctx, key, up.verdict.Authorized); err != nil {
			v.logger.Error("writing verdict cache", "user_id", userID, "error", err)
		}
	}
	return up.verdict
}

func (v *Verifier) call(ctx context.Context, payload string) upstream {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	if err := v.limiter.Wait(ctx); err != nil {
		v.logger.Warn("authorization call rate limited", "error", err)
		return upstream{verdict: verifybot.Verdict{Detail: detailBusy}}
	}

	req, err := v.newRequest(ctx, payload)
	if err != nil {
		v.logger.Error("building authorization request", "error", err)
		return failed(detailUnavailable)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Error("authorization call failed", "error", err)
		return failed(detailUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		v.logger.Error("authorization api returned error status", "status", resp.StatusCode)
		return failed(fmt.Sprintf("API返回错误代码: %d", resp.StatusCode))
	}

	var body struct {
		Data struct {
			Status json.RawMessage `json:"status"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodyLen)).Decode(&body); err != nil {
		v.logger.Error("decoding authorization response", "error", err)
		return failed(detailBadResponse)
	}

	if truthy(body.Data.Status) {
		return upstream{verdict: verifybot.Verdict{Authorized: true, Detail: detailAllowed}, cacheable: true}
	}
	return upstream{verdict: verifybot.Verdict{Detail: detailDenied}, cacheable: true}
}

func failed(detail string) upstream {
	return upstream{verdict: verifybot.Verdict{Detail: detail}}
}

func (v *Verifier) newRequest(ctx context.Context, payload string) (*http.Request, error) {
	u, err := url.Parse(v.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint: %w", err)
	}
	q := u.Query()
	q.Set("eventId", v.cfg.EventID)
	q.Set("id", payload)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if v.cfg.Token != "" {
		token := v.cfg.Token
		if !strings.HasPrefix(token, "Bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}
	return req, nil
}

// truthy interprets the API's status field, which may arrive as a JSON
// boolean, a number or a string.
func truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch s := v.(type) {
	case bool:
		return s
	case float64:
		return s != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1", "yes", "ok", "success", "valid":
			return true
		}
	}
	return false
}

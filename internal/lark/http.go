package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	pathTenantToken = "/open-apis/auth/v3/tenant_access_token/internal"
	pathMessages    = "/open-apis/im/v1/messages"
	pathChats       = "/open-apis/im/v1/chats"

	// tokenRefreshMargin renews the tenant token before the platform
	// considers it expired.
	tokenRefreshMargin = 5 * time.Minute
	maxImageBytes      = 20 << 20
)

var _ Client = (*HTTPClient)(nil)

// HTTPClient implements Client against the REST API and caches the
// tenant access token itself.
type HTTPClient struct {
	baseURL   string
	appID     string
	appSecret string
	http      *http.Client
	now       func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewHTTPClient(appID, appSecret, baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		appID:     appID,
		appSecret: appSecret,
		http:      &http.Client{Timeout: timeout},
		now:       time.Now,
	}
}

// envelope is the common response wrapper of the open platform.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *HTTPClient) SendText(ctx context.Context, to Receiver, text string) error {
	content, err := textContent(text)
	if err != nil {
		return err
	}
	return c.send(ctx, to, MsgTypeText, content)
}

func (c *HTTPClient) SendCard(ctx context.Context, to Receiver, card Card) error {
	content, err := cardContent(card)
	if err != nil {
		return err
	}
	return c.send(ctx, to, MsgTypeInteractive, content)
}

func (c *HTTPClient) send(ctx context.Context, to Receiver, msgType, content string) error {
	body := map[string]string{
		"receive_id": to.ID,
		"msg_type":   msgType,
		"content":    content,
		"uuid":       uuid.NewString(),
	}
	q := url.Values{"receive_id_type": {string(to.Type)}}
	if err := c.call(ctx, http.MethodPost, pathMessages, q, body, nil); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

func (c *HTTPClient) AddChatMembers(ctx context.Context, chatID string, openIDs []string) error {
	var data struct {
		InvalidIDList []string `json:"invalid_id_list"`
	}
	path := pathChats + "/" + url.PathEscape(chatID) + "/members"
	q := url.Values{"member_id_type": {string(ReceiveOpenID)}}
	body := map[string][]string{"id_list": openIDs}
	if err := c.call(ctx, http.MethodPost, path, q, body, &data); err != nil {
		return fmt.Errorf("adding chat members: %w", err)
	}
	if len(data.InvalidIDList) > 0 {
		return fmt.Errorf("adding chat members: invalid ids %s", strings.Join(data.InvalidIDList, ","))
	}
	return nil
}

func (c *HTTPClient) DownloadImage(ctx context.Context, messageID, imageKey string) ([]byte, error) {
	path := pathMessages + "/" + url.PathEscape(messageID) + "/resources/" + url.PathEscape(imageKey)
	resp, err := c.do(ctx, http.MethodGet, path, url.Values{"type": {"image"}}, nil)
	if err != nil {
		return nil, fmt.Errorf("downloading image: %w", err)
	}
	defer resp.Body.Close()

	// Errors come back as a JSON envelope; images as raw bytes.
	if resp.StatusCode != http.StatusOK || strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return nil, fmt.Errorf("downloading image: %w", c.decodeError(resp))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return data, nil
}

// call performs an authenticated JSON request and decodes the data field
// of the envelope into out.
func (c *HTTPClient) call(ctx context.Context, method, path string, q url.Values, body, out any) error {
	resp, err := c.do(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	if env.Code != 0 {
		c.dropTokenOn(env.Code)
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding response data: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, q url.Values, body any) (*http.Response, error) {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return nil, err
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	return c.http.Do(req)
}

func (c *HTTPClient) decodeError(resp *http.Response) error {
	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil || env.Code == 0 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	c.dropTokenOn(env.Code)
	return &APIError{Code: env.Code, Msg: env.Msg}
}

// tenantToken returns the cached tenant access token, fetching a new one
// when it is missing or close to expiry.
func (c *HTTPClient) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	b, err := json.Marshal(map[string]string{"app_id": c.appID, "app_secret": c.appSecret})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathTenantToken, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting tenant token: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding tenant token: %w", err)
	}
	if out.Code != 0 {
		return "", &APIError{Code: out.Code, Msg: out.Msg}
	}
	if out.TenantAccessToken == "" {
		return "", errors.New("tenant token response without token")
	}

	ttl := time.Duration(out.Expire)*time.Second - tokenRefreshMargin
	if ttl <= 0 {
		ttl = time.Duration(out.Expire) * time.Second / 2
	}
	c.token = out.TenantAccessToken
	c.tokenExpiry = c.now().Add(ttl)
	return c.token, nil
}

func (c *HTTPClient) dropTokenOn(code int) {
	if code != codeTokenExpired && code != codeTokenInvalid {
		return
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// Package feishu implements core.ChatPlatform for the Feishu/Lark IM
// protocol using a native net/http client — no SDK dependency, since the
// surface this system needs (token refresh, send message, update message,
// download resource) is small enough to own directly.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const tokenExpiryBuffer = 3 * time.Minute

// client is a lightweight Feishu/Lark API client handling tenant_access_token
// auto-refresh and the handful of REST calls the adapter needs.
type client struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func newClient(appID, appSecret, baseURL string) *client {
	if baseURL == "" {
		baseURL = "https://open.feishu.cn"
	}
	return &client{
		baseURL:    baseURL,
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{"app_id": c.appID, "app_secret": c.appSecret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("feishu: token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("feishu: decode token response: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("feishu: token error %d: %s", result.Code, result.Msg)
	}

	c.token = result.TenantAccessToken
	c.tokenExp = time.Now().Add(time.Duration(result.Expire)*time.Second - tokenExpiryBuffer)
	return c.token, nil
}

type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *client) doJSON(ctx context.Context, method, path string, body any) (*apiEnvelope, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feishu: request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("feishu: decode response: %w", err)
	}
	return &env, nil
}

// sendMessage posts a new message and returns its message ID.
func (c *client) sendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error) {
	env, err := c.doJSON(ctx, http.MethodPost, "/open-apis/im/v1/messages?receive_id_type="+receiveIDType, map[string]string{
		"receive_id": receiveID,
		"msg_type":   msgType,
		"content":    content,
	})
	if err != nil {
		return "", err
	}
	if env.Code != 0 {
		return "", fmt.Errorf("feishu: send message: code=%d msg=%s", env.Code, env.Msg)
	}
	var data struct {
		MessageID string `json:"message_id"`
	}
	json.Unmarshal(env.Data, &data)
	return data.MessageID, nil
}

// patchMessage replaces the content of an existing message (used to update cards).
func (c *client) patchMessage(ctx context.Context, messageID, content string) error {
	env, err := c.doJSON(ctx, http.MethodPatch, "/open-apis/im/v1/messages/"+messageID, map[string]string{"content": content})
	if err != nil {
		return err
	}
	if env.Code != 0 {
		return fmt.Errorf("feishu: update message: code=%d msg=%s", env.Code, env.Msg)
	}
	return nil
}

// downloadImage fetches an image's raw bytes by its image_key.
func (c *client) downloadImage(ctx context.Context, imageKey string) ([]byte, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}
	path := "/open-apis/im/v1/images/" + imageKey
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feishu: download resource: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("feishu: download resource HTTP %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

// getBotInfo probes the app's own bot identity.
func (c *client) getBotInfo(ctx context.Context) (string, error) {
	env, err := c.doJSON(ctx, http.MethodGet, "/open-apis/bot/v3/info", nil)
	if err != nil {
		return "", err
	}
	if env.Code != 0 {
		return "", fmt.Errorf("feishu: bot info: code=%d msg=%s", env.Code, env.Msg)
	}
	var data struct {
		Bot struct {
			OpenID string `json:"open_id"`
		} `json:"bot"`
	}
	json.Unmarshal(env.Data, &data)
	return data.Bot.OpenID, nil
}

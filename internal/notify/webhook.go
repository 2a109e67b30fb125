package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/postwatch/internal/policy"
)

// maxBodyChars keeps card bodies under the channel's message limit.
const maxBodyChars = 28000

// Webhook delivers to a Feishu/Lark style chat webhook. Group bot hooks get an
// interactive card, optionally signed; bot-builder triggers get a flat text
// payload.
type Webhook struct {
	url     string
	secret  string
	client  *http.Client
	now     func() time.Time
	builder bool
}

// NewWebhook creates a webhook deliverer. secret may be empty.
func NewWebhook(url, secret string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Webhook{
		url:     url,
		secret:  secret,
		client:  client,
		now:     time.Now,
		builder: strings.Contains(url, "/api/trigger/"),
	}
}

func (w *Webhook) Deliver(ctx context.Context, msg Message) error {
	var payload map[string]any
	if w.builder {
		payload = w.builderPayload(msg)
	} else {
		payload = w.cardPayload(msg)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return policy.Permanent(fmt.Errorf("encoding payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return policy.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return policy.Permanent(err)
		}
		return err
	}
	if w.builder {
		return nil
	}

	var result struct {
		Code       *int   `json:"code"`
		StatusCode *int   `json:"StatusCode"`
		Msg        string `json:"msg"`
	}
	if err := json.Unmarshal(body, &result); err != nil || (result.Code == nil && result.StatusCode == nil) {
		return nil
	}
	if (result.Code != nil && *result.Code == 0) || (result.StatusCode != nil && *result.StatusCode == 0) {
		return nil
	}
	code := 0
	if result.Code != nil {
		code = *result.Code
	}
	return fmt.Errorf("webhook rejected message: code=%d msg=%q", code, result.Msg)
}

func (w *Webhook) cardPayload(msg Message) map[string]any {
	color := msg.Color
	if color == "" {
		color = "blue"
	}
	payload := map[string]any{
		"msg_type": "interactive",
		"card": map[string]any{
			"config": map[string]any{"wide_screen_mode": true},
			"header": map[string]any{
				"title":    map[string]any{"tag": "plain_text", "content": msg.Title},
				"template": color,
			},
			"elements": []any{
				map[string]any{"tag": "markdown", "content": clip(msg.Body)},
			},
		},
	}
	if w.secret != "" {
		ts := strconv.FormatInt(w.now().Unix(), 10)
		payload["timestamp"] = ts
		payload["sign"] = Sign(ts, w.secret)
	}
	return payload
}

func (w *Webhook) builderPayload(msg Message) map[string]any {
	return map[string]any{
		"msg_type": "text",
		"content": map[string]any{
			"total_titles": strconv.Itoa(msg.Items),
			"timestamp":    w.now().Format("2006-01-02 15:04:05"),
			"report_type":  msg.Kind,
			"text":         clip(msg.Title + "\n\n" + msg.Body),
		},
	}
}

// Sign computes the webhook signature: HMAC-SHA256 keyed with
// "timestamp\nsecret" over an empty message, base64 encoded.
func Sign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(timestamp+"\n"+secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxBodyChars {
		return s
	}
	return string(r[:maxBodyChars-3]) + "..."
}

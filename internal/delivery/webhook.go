package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>" when a secret is set.
const SignatureHeader = "X-Echoat-Signature"

// webhookPayload is the JSON body POSTed to the webhook URL.
type webhookPayload struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	DueAt       int64  `json:"due_at"`
	DeliveredAt int64  `json:"delivered_at"`
	NodeID      string `json:"node_id,omitempty"`
}

// WebhookSink POSTs each delivery as JSON.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSink returns a sink posting to url. A zero timeout means 10s.
func NewWebhookSink(url, secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{url: url, secret: secret, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookSink) Name() string { return "webhook" }

// Deliver returns nil only when the endpoint answers with a 2xx status.
func (w *WebhookSink) Deliver(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(webhookPayload{
		ID:          d.ID,
		Message:     d.Payload,
		DueAt:       d.DueAt.UnixMilli(),
		DeliveredAt: d.DeliveredAt.UnixMilli(),
		NodeID:      d.NodeID,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: POST to %s: %w", w.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/atriumworld/atrium/internal/domain"
)

const webhookHeaderSig = "X-Atrium-Signature"

// WebhookSender POSTs the event envelope to the target URL with an
// HMAC-SHA256 signature derived from the per-target secret. A non-2xx
// response is a rejected delivery.
type WebhookSender struct {
	client *http.Client
}

func NewWebhookSender(client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookSender{client: client}
}

type webhookEnvelope struct {
	Event domain.Event `json:"event"`
}

func (s *WebhookSender) Send(ctx context.Context, target domain.DeliveryTarget, ev domain.Event) SendResult {
	body, err := json.Marshal(webhookEnvelope{Event: ev})
	if err != nil {
		return SendResult{Err: fmt.Errorf("webhook payload marshal: %w", err), Terminal: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return SendResult{Err: fmt.Errorf("webhook request build: %w", err), Terminal: true}
	}
	req.Header.Set("Content-Type", "application/json")
	if sig := signWebhookPayload(target.Secret, body); sig != "" {
		req.Header.Set(webhookHeaderSig, sig)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return SendResult{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return SendResult{HTTPStatus: resp.StatusCode}
	}

	return SendResult{
		HTTPStatus: resp.StatusCode,
		Err:        fmt.Errorf("non-2xx response: %d", resp.StatusCode),
	}
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

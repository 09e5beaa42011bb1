package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/funnelkit/followup-engine/internal/domain"
)

// SMSDriver sends through an SMS gateway's HTTP API.
type SMSDriver struct {
	providerURL string
	apiKey      string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewSMSDriver creates an SMS driver with a configured HTTP client.
func NewSMSDriver(providerURL, apiKey string, logger *slog.Logger) *SMSDriver {
	return &SMSDriver{
		providerURL: providerURL,
		apiKey:      apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (d *SMSDriver) Channel() domain.Channel {
	return domain.ChannelSMS
}

type smsSendRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type smsSendResponse struct {
	SID string `json:"sid"`
}

// Send posts the rendered message to the gateway and returns the message SID.
func (d *SMSDriver) Send(ctx context.Context, to Address, content Content) (string, error) {
	if to.Phone == "" {
		return "", fmt.Errorf("sms send: recipient has no phone number")
	}

	payload, err := json.Marshal(smsSendRequest{
		From: content.SenderPhone,
		To:   to.Phone,
		Body: content.Body,
	})
	if err != nil {
		return "", fmt.Errorf("sms send: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.providerURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("sms send: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms send: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("sms send: gateway returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed smsSendResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.SID == "" {
		return "", fmt.Errorf("sms send: gateway response missing sid")
	}

	return parsed.SID, nil
}

// VerifySignature checks the gateway's HMAC-SHA256 webhook signature.
func (d *SMSDriver) VerifySignature(body []byte, signature, secret string) bool {
	return Verify(body, signature, secret)
}

// smsProviderEvent is the gateway's webhook wire format. STOP replies come
// through as type "stop".
type smsProviderEvent struct {
	Type      string `json:"type"` // delivered, undelivered, stop
	SID       string `json:"sid"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// ParseEvent normalizes a gateway webhook into a WebhookEvent.
func (d *SMSDriver) ParseEvent(body []byte) (*domain.WebhookEvent, error) {
	var raw smsProviderEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("sms event: %w", err)
	}

	var eventType domain.WebhookEventType
	switch raw.Type {
	case "delivered":
		eventType = domain.EventDelivered
	case "undelivered", "failed":
		eventType = domain.EventFailed
	case "stop", "opt_out":
		eventType = domain.EventUnsubscribed
	default:
		return nil, fmt.Errorf("sms event: unknown event type %q", raw.Type)
	}

	meta := map[string]string{}
	if raw.Error != "" {
		meta["error"] = raw.Error
	}

	return &domain.WebhookEvent{
		ProviderMessageID: raw.SID,
		Type:              eventType,
		Recipient:         raw.From,
		Timestamp:         time.Unix(raw.Timestamp, 0).UTC(),
		Metadata:          meta,
	}, nil
}

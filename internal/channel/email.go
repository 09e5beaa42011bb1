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

// EmailDriver sends through a transactional email provider's HTTP API.
type EmailDriver struct {
	providerURL string
	apiKey      string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewEmailDriver creates an email driver with a configured HTTP client.
func NewEmailDriver(providerURL, apiKey string, logger *slog.Logger) *EmailDriver {
	return &EmailDriver{
		providerURL: providerURL,
		apiKey:      apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (d *EmailDriver) Channel() domain.Channel {
	return domain.ChannelEmail
}

type emailSendRequest struct {
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	HTMLBody  string `json:"html_body"`
}

type emailSendResponse struct {
	MessageID string `json:"message_id"`
}

// Send posts the rendered message to the provider and returns its message ID.
func (d *EmailDriver) Send(ctx context.Context, to Address, content Content) (string, error) {
	if to.Email == "" {
		return "", fmt.Errorf("email send: recipient has no email address")
	}

	payload, err := json.Marshal(emailSendRequest{
		FromName:  content.SenderName,
		FromEmail: content.SenderEmail,
		To:        to.Email,
		Subject:   content.Subject,
		HTMLBody:  content.Body,
	})
	if err != nil {
		return "", fmt.Errorf("email send: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.providerURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("email send: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("email send: %w", err)
	}
	defer resp.Body.Close()

	// Limit response read to keep a misbehaving provider from ballooning memory.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("email send: provider returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed emailSendResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.MessageID == "" {
		return "", fmt.Errorf("email send: provider response missing message_id")
	}

	return parsed.MessageID, nil
}

// VerifySignature checks the provider's HMAC-SHA256 webhook signature.
func (d *EmailDriver) VerifySignature(body []byte, signature, secret string) bool {
	return Verify(body, signature, secret)
}

// emailProviderEvent is the provider's webhook wire format.
type emailProviderEvent struct {
	Event     string `json:"event"` // delivered, bounce, unsubscribe
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

// ParseEvent normalizes a provider webhook into a WebhookEvent.
func (d *EmailDriver) ParseEvent(body []byte) (*domain.WebhookEvent, error) {
	var raw emailProviderEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("email event: %w", err)
	}

	var eventType domain.WebhookEventType
	switch raw.Event {
	case "delivered":
		eventType = domain.EventDelivered
	case "bounce", "dropped":
		eventType = domain.EventFailed
	case "unsubscribe", "spam_complaint":
		eventType = domain.EventUnsubscribed
	default:
		return nil, fmt.Errorf("email event: unknown event type %q", raw.Event)
	}

	meta := map[string]string{}
	if raw.Reason != "" {
		meta["error"] = raw.Reason
	}

	return &domain.WebhookEvent{
		ProviderMessageID: raw.MessageID,
		Type:              eventType,
		Recipient:         raw.Recipient,
		Timestamp:         time.Unix(raw.Timestamp, 0).UTC(),
		Metadata:          meta,
	}, nil
}

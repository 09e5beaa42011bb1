package domain

import (
	"time"
)

// Channel identifies a delivery channel. Drivers are registered per
// channel in a static registry; there is no runtime duck-typing.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// DeliveryStatus is the lifecycle of one send attempt.
//
//	pending → sent → delivered
//	pending → failed (sync send error, timeout sweep, opt-out cancel)
//	sent → failed (provider reported failure)
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is one tracked attempt to send one message to one prospect.
// At most one non-failed delivery exists per (prospect_id, message_id).
type Delivery struct {
	ID                string         `json:"id"`
	ProspectID        string         `json:"prospect_id"`
	MessageID         string         `json:"message_id"`
	EnrollmentID      string         `json:"enrollment_id"`
	Channel           Channel        `json:"channel"`
	Status            DeliveryStatus `json:"status"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// WebhookEventType is the normalized shape of a provider callback.
type WebhookEventType string

const (
	EventDelivered    WebhookEventType = "delivered"
	EventFailed       WebhookEventType = "failed"
	EventUnsubscribed WebhookEventType = "unsubscribed"
)

// WebhookEvent is a provider-originated status event after parsing. It is
// consumed exactly once logically even when the provider delivers it more
// than once physically.
type WebhookEvent struct {
	ProviderMessageID string            `json:"provider_message_id"`
	Type              WebhookEventType  `json:"event_type"`
	Recipient         string            `json:"recipient"`
	Timestamp         time.Time         `json:"timestamp"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

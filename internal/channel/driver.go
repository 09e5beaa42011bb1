// Package channel holds the delivery-channel drivers. A driver wraps one
// provider's logical contract: send a rendered message, verify an inbound
// webhook signature, and normalize a provider event.
package channel

import (
	"context"
	"fmt"

	"github.com/funnelkit/followup-engine/internal/domain"
)

// Address is where a message goes. Email drivers use Email, SMS drivers
// use Phone.
type Address struct {
	Email string
	Phone string
}

// Content is a fully rendered message ready for a provider call.
type Content struct {
	Subject     string
	Body        string
	SenderName  string
	SenderEmail string
	SenderPhone string
}

// Driver is the capability a channel provider exposes to this engine. The
// network call itself belongs to the provider integration; the engine only
// relies on this contract.
type Driver interface {
	Channel() domain.Channel

	// Send delivers the content and returns the provider's message ID for
	// later webhook correlation.
	Send(ctx context.Context, to Address, content Content) (providerMessageID string, err error)

	// VerifySignature checks an inbound webhook body against the shared
	// secret.
	VerifySignature(body []byte, signature, secret string) bool

	// ParseEvent normalizes a provider callback into a WebhookEvent.
	ParseEvent(body []byte) (*domain.WebhookEvent, error)
}

// Registry is a closed, static mapping from channel to driver, built once
// at startup.
type Registry map[domain.Channel]Driver

// NewRegistry builds a registry from the given drivers.
func NewRegistry(drivers ...Driver) Registry {
	r := make(Registry, len(drivers))
	for _, d := range drivers {
		r[d.Channel()] = d
	}
	return r
}

// For returns the driver for a channel.
func (r Registry) For(ch domain.Channel) (Driver, error) {
	d, ok := r[ch]
	if !ok {
		return nil, fmt.Errorf("no driver registered for channel %q", ch)
	}
	return d, nil
}

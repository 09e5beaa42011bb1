package domain

import (
	"time"
)

// Segment is the behavioral bucket a prospect falls into, driving copy
// tone and sequence eligibility.
type Segment string

const (
	SegmentNoShow  Segment = "no_show"
	SegmentSkimmer Segment = "skimmer"
	SegmentSampler Segment = "sampler"
	SegmentEngaged Segment = "engaged"
	SegmentHot     Segment = "hot"
)

// ConsentState gates all future sends to a prospect. Once opted out it is
// never set back to active by this engine.
type ConsentState string

const (
	ConsentActive   ConsentState = "active"
	ConsentOptedOut ConsentState = "opted_out"
)

// High-intent click types. A 100% watch plus any of these classifies the
// prospect as hot.
const (
	ClickOffer          = "offer_click"
	ClickEnrollmentView = "enrollment_view"
	ClickPurchase       = "purchase"
)

// ClickEvent is a single recorded click during or after the webinar.
type ClickEvent struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
}

// EngagementMetrics are the raw behavioral signals segmentation runs on.
type EngagementMetrics struct {
	WatchPercentage      float64      `json:"watch_percentage"`
	WatchDurationSeconds int          `json:"watch_duration_seconds"`
	Clicks               []ClickEvent `json:"clicks"`
}

// HasHighIntentAction reports whether any recorded click is an offer click,
// enrollment view or purchase.
func (m EngagementMetrics) HasHighIntentAction() bool {
	for _, c := range m.Clicks {
		switch c.Type {
		case ClickOffer, ClickEnrollmentView, ClickPurchase:
			return true
		}
	}
	return false
}

type Prospect struct {
	ID                 string            `json:"id"`
	AgentConfigID      string            `json:"agent_config_id"`
	Email              string            `json:"email"`
	Phone              string            `json:"phone,omitempty"`
	FirstName          string            `json:"first_name"`
	LastName           string            `json:"last_name"`
	ConsentState       ConsentState      `json:"consent_state"`
	Segment            Segment           `json:"segment"`
	Metrics            EngagementMetrics `json:"metrics"`
	DetectedObjections []string          `json:"detected_objections,omitempty"`
	OptedOutAt         *time.Time        `json:"opted_out_at,omitempty"`
	OptOutReason       string            `json:"opt_out_reason,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Recipient returns the address a message on the given channel goes to.
func (p *Prospect) Recipient(ch Channel) string {
	if ch == ChannelSMS {
		return p.Phone
	}
	return p.Email
}

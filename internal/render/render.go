// Package render resolves {token} placeholders in message templates with
// prospect- and sequence-derived values.
package render

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/funnelkit/followup-engine/internal/domain"
)

var tokenPattern = regexp.MustCompile(`\{[a-z_]+\}`)

// Render replaces every {token} in the template with its value. Tokens
// without a value resolve to the empty string; rendering never fails.
func Render(template string, values map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(tok string) string {
		return values[strings.Trim(tok, "{}")]
	})
}

// Values builds the token table for one (prospect, message) send. The
// segment is the one computed at send time, not at enrollment, so the cta
// and tone reflect the prospect's current bucket.
func Values(p *domain.Prospect, msg *domain.Message, cfg *domain.AgentConfig, seg domain.Segment) map[string]string {
	cta := msg.PrimaryCTA
	tone := ""
	if rule, ok := msg.PersonalizationRules[seg]; ok {
		if rule.CTA != "" {
			cta = rule.CTA
		}
		tone = rule.Tone
	}

	return map[string]string{
		"first_name":   p.FirstName,
		"last_name":    p.LastName,
		"watch_pct":    strconv.Itoa(int(p.Metrics.WatchPercentage)),
		"minutes":      strconv.Itoa(p.Metrics.WatchDurationSeconds / 60),
		"offer_link":   cfg.OfferLink,
		"replay_link":  cfg.ReplayLink,
		"booking_link": cfg.BookingLink,
		"sender_name":  cfg.SenderName,
		"price":        cfg.Price,
		"cta":          cta,
		"tone":         tone,
	}
}

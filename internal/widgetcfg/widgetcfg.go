// Package widgetcfg resolves the immutable per-embed widget configuration
// from iframe query parameters or custom-element attributes.
package widgetcfg

import (
	"context"
	"net/url"

	"widget-server/internal/observability"
)

// Defaults keep the widget renderable with no parameters at all.
const (
	DefaultAgentName  = "BETTY"
	DefaultTheme      = "#724cfb"
	DefaultRoomName   = "voso_room"
	DefaultDomainName = "convoso"
)

// Config is the immutable snapshot resolved once per embed.
type Config struct {
	AgentID     string
	AgentName   string
	Theme       string
	DomainName  string
	RoomName    string
	FormEnabled bool

	// Telephony identifiers; all three must be present for the dialer to
	// show. Populated either from plain parameters or by decrypting the
	// telephony token.
	PhoneSID    string
	SIPTrunkID  string
	PhoneNumber string
}

// Telephony reports whether the dialed-call feature is configured.
func (c Config) Telephony() bool {
	return c.PhoneSID != "" && c.SIPTrunkID != "" && c.PhoneNumber != ""
}

// FromQuery resolves a Config from iframe query parameters. A decryption
// failure of the telephony token degrades to empty telephony fields (the
// dialer is hidden) rather than failing the widget.
func FromQuery(ctx context.Context, q url.Values, secret string, logger *observability.Logger) Config {
	cfg := Config{
		AgentID:     q.Get("agentId"),
		AgentName:   orDefault(q.Get("agentName"), DefaultAgentName),
		Theme:       orDefault(q.Get("theme"), DefaultTheme),
		DomainName:  orDefault(q.Get("domainName"), DefaultDomainName),
		RoomName:    orDefault(q.Get("agentRoom"), DefaultRoomName),
		FormEnabled: q.Get("form_enabled") == "Yes",
		PhoneSID:    q.Get("phoneSid"),
		SIPTrunkID:  q.Get("sipTrunkId"),
		PhoneNumber: q.Get("phoneNumber"),
	}

	if token := q.Get("telephonyToken"); token != "" && !cfg.Telephony() {
		fields, err := DecryptTelephonyToken(token, secret)
		if err != nil {
			logger.InfoWithError(ctx, "invalid or missing telephony token, dialer disabled", err)
		} else {
			cfg.PhoneSID = fields.PhoneSID
			cfg.SIPTrunkID = fields.SIPTrunkID
			cfg.PhoneNumber = fields.PhoneNumber
		}
	}

	logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "agent_name", Value: cfg.AgentName},
		observability.Field{Key: "domain_name", Value: cfg.DomainName},
		observability.Field{Key: "form_enabled", Value: cfg.FormEnabled},
		observability.Field{Key: "telephony", Value: cfg.Telephony()},
	), "widget config resolved")
	return cfg
}

// attributeToParam maps the <va-widget> element attributes onto the iframe
// query parameters the embed loader builds.
var attributeToParam = map[string]string{
	"agent-name":      "agentName",
	"theme":           "theme",
	"agent-id":        "agentId",
	"agent-room":      "agentRoom",
	"form-enabled":    "form_enabled",
	"telephony-token": "telephonyToken",
	"domain-name":     "domainName",
}

// FromAttributes resolves a Config from custom-element attribute values,
// applying the same 1:1 attribute-to-parameter mapping the embed loader uses.
func FromAttributes(ctx context.Context, attrs map[string]string, secret string, logger *observability.Logger) Config {
	q := url.Values{}
	for attr, param := range attributeToParam {
		if v, ok := attrs[attr]; ok && v != "" {
			q.Set(param, v)
		}
	}
	return FromQuery(ctx, q, secret, logger)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

package tenants

import (
	"context"
	"strings"

	"widget-server/internal/observability"
)

// LiveKitCredentials identifies one media-room deployment.
type LiveKitCredentials struct {
	URL       string
	APIKey    string
	APISecret string
}

// Credentials is the backend credential set the gateway uses for one tenant.
type Credentials struct {
	Name             string
	AgentAPIBaseURL  string
	TelephonyCallURL string
	LeadIntakeURL    string
	LiveKit          LiveKitCredentials
}

// Entry binds a credential set to the domainName substrings that select it.
// Matching is substring-based because embed customers pass compound domain
// keys like "acme-onboardsoft-live".
type Entry struct {
	Matches     []string
	Credentials Credentials
}

// Registry resolves a domainName to a credential set. Adding a tenant is a
// data change: append an Entry at construction time.
type Registry struct {
	entries  []Entry
	fallback Credentials
	logger   *observability.Logger
}

// New builds a registry with an ordered entry list and a fallback credential
// set used for unrecognized domain names.
func New(fallback Credentials, entries []Entry, logger *observability.Logger) *Registry {
	return &Registry{
		entries:  entries,
		fallback: fallback,
		logger:   logger,
	}
}

// Resolve selects the credential set for domainName. It never fails: an
// unrecognized key falls back to the live set. Missing fields inside the
// selected set surface later as ConfigError on the operation that needs them.
func (r *Registry) Resolve(ctx context.Context, domainName string) Credentials {
	for _, entry := range r.entries {
		for _, match := range entry.Matches {
			if match != "" && strings.Contains(domainName, match) {
				r.logger.Info(observability.WithFields(ctx,
					observability.Field{Key: "tenant", Value: entry.Credentials.Name},
				), "resolved tenant credentials")
				return entry.Credentials
			}
		}
	}

	r.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "tenant", Value: r.fallback.Name},
		observability.Field{Key: "tenant_fallback", Value: true},
	), "unrecognized domain name, using fallback tenant")
	return r.fallback
}

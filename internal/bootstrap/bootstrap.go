package bootstrap

import (
	"widget-server/internal/clients/agentapi"
	"widget-server/internal/clients/dialout"
	"widget-server/internal/clients/leadintake"
	"widget-server/internal/clients/roomservice"
	"widget-server/internal/clients/telephony"
	"widget-server/internal/config"
	gatewayHandler "widget-server/internal/gateway/handler"
	"widget-server/internal/gateway/processor"
	"widget-server/internal/observability"
	"widget-server/internal/session"
	"widget-server/internal/shell"
	"widget-server/internal/tenants"
)

// Dependencies holds all initialized application dependencies
type Dependencies struct {
	GatewayHandler *gatewayHandler.Handler
	ShellHandler   *shell.Handler
	logger         *observability.Logger
}

// Initialize wires the tenant registry, outbound clients, gateway, and the
// widget socket handler.
func Initialize(cfg *config.Config, logger *observability.Logger) (*Dependencies, error) {
	registry := tenants.New(
		tenantCredentials("live", cfg.Tenants.Live),
		[]tenants.Entry{
			{
				Matches:     []string{"onboardsoft-live"},
				Credentials: tenantCredentials("live", cfg.Tenants.Live),
			},
			{
				Matches:     []string{"convoso"},
				Credentials: tenantCredentials("convoso", cfg.Tenants.Convoso),
			},
			{
				// Some embeds send the dev key with an underscore.
				Matches:     []string{"onboardsoft-dev", "onboardsoft_dev"},
				Credentials: tenantCredentials("dev", cfg.Tenants.Dev),
			},
		},
		logger,
	)

	roomFactory := func(creds tenants.LiveKitCredentials) roomservice.Client {
		return roomservice.NewLiveKitClient(creds.URL, creds.APIKey, creds.APISecret, logger)
	}

	proc := processor.NewProcessor(
		registry,
		agentapi.NewClient(logger),
		dialout.NewClient(logger),
		leadintake.NewClient(logger),
		telephony.NewTwilioClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, logger),
		roomFactory,
		logger,
	)

	return &Dependencies{
		GatewayHandler: gatewayHandler.NewHandler(proc, cfg.Widget.TelephonyTokenSecret, logger),
		ShellHandler:   shell.NewHandler(proc, cfg.Widget.TelephonyTokenSecret, session.Options{}, logger),
		logger:         logger,
	}, nil
}

// Cleanup closes all resources that need cleanup
func (d *Dependencies) Cleanup() {
	// Outbound clients are plain HTTP clients; nothing to close yet.
}

func tenantCredentials(name string, tc config.TenantConfig) tenants.Credentials {
	return tenants.Credentials{
		Name:             name,
		AgentAPIBaseURL:  tc.AgentAPIBaseURL,
		TelephonyCallURL: tc.TelephonyCallURL,
		LeadIntakeURL:    tc.LeadIntakeURL,
		LiveKit: tenants.LiveKitCredentials{
			URL:       tc.LiveKitURL,
			APIKey:    tc.LiveKitAPIKey,
			APISecret: tc.LiveKitAPISecret,
		},
	}
}

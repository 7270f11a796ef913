// Package telephony wraps the legacy telephony provider (Twilio). Calls
// placed through it are identified by non-prefixed call SIDs.
package telephony

import (
	"context"
	"fmt"

	"widget-server/internal/apierrors"
	"widget-server/internal/observability"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Client is the legacy-provider surface the gateway needs: status lookup and
// hangup by call SID.
type Client interface {
	CallStatus(ctx context.Context, callSID string) (string, error)
	Hangup(ctx context.Context, callSID string) error
}

// TwilioClient implements Client against the Twilio REST API.
type TwilioClient struct {
	api    *twilioapi.ApiService
	logger *observability.Logger
}

// NewTwilioClient creates a Twilio-backed legacy telephony client.
func NewTwilioClient(accountSID, authToken string, logger *observability.Logger) *TwilioClient {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioClient{
		api:    rest.Api,
		logger: logger,
	}
}

// CallStatus fetches the provider's call status for a SID. Twilio reports
// queued/ringing/in-progress/completed/busy/failed/no-answer/canceled.
func (c *TwilioClient) CallStatus(ctx context.Context, callSID string) (string, error) {
	call, err := c.api.FetchCall(callSID, &twilioapi.FetchCallParams{})
	if err != nil {
		c.logger.Error(ctx, "twilio status fetch failed", err)
		return "", &apierrors.InternalError{Err: fmt.Errorf("twilio status fetch failed: %w", err)}
	}
	if call.Status == nil || *call.Status == "" {
		return "unknown", nil
	}
	return *call.Status, nil
}

// Hangup terminates a call by driving its status to completed; Twilio has no
// separate hangup primitive.
func (c *TwilioClient) Hangup(ctx context.Context, callSID string) error {
	params := &twilioapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.api.UpdateCall(callSID, params); err != nil {
		c.logger.Error(ctx, "twilio hangup failed", err)
		return &apierrors.InternalError{Err: fmt.Errorf("twilio hangup failed: %w", err)}
	}
	return nil
}

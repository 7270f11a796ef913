// Package dialout forwards call-placement requests to a tenant's telephony
// backend, which bridges the destination number into the agent's media room.
package dialout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"widget-server/internal/apierrors"
	"widget-server/internal/observability"
)

// CallRequest is the payload the telephony backend expects.
type CallRequest struct {
	AgentID             string `json:"agent_id"`
	NumberID            string `json:"number_id"`
	SIPNumber           string `json:"sip_number"`
	SIPTrunkID          string `json:"sip_trunk_id"`
	SIPCallTo           string `json:"sip_call_to"`
	RoomName            string `json:"room_name"`
	ParticipantIdentity string `json:"participant_identity"`
	ParticipantName     string `json:"participant_name"`
	WaitUntilAnswered   bool   `json:"wait_until_answered"`
	KrispEnabled        bool   `json:"krisp_enabled"`
}

// CallResponse is the normalized backend response. Backends disagree on the
// identifier field name, so all three are collected.
type CallResponse struct {
	Raw map[string]any
}

// CallID returns the call identifier under whichever key the backend used,
// or empty when none is present.
func (r CallResponse) CallID() string {
	for _, key := range []string{"sid", "livekit_sip_call_id", "session_id"} {
		if v, ok := r.Raw[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Client forwards dial requests.
type Client struct {
	httpClient *http.Client
	logger     *observability.Logger
}

func NewClient(logger *observability.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			// Backends can hold the request until the call is answered.
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

// PlaceCall forwards the dial request to the tenant's telephony backend URL.
// A non-JSON upstream body is captured under a "raw" key instead of failing.
func (c *Client) PlaceCall(ctx context.Context, callURL string, req CallRequest) (CallResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return CallResponse{}, &apierrors.InternalError{Err: fmt.Errorf("failed to marshal call request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, callURL, bytes.NewBuffer(payload))
	if err != nil {
		return CallResponse{}, &apierrors.InternalError{Err: fmt.Errorf("failed to create call request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error(ctx, "telephony backend request failed", err)
		return CallResponse{}, &apierrors.InternalError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CallResponse{}, &apierrors.InternalError{Err: fmt.Errorf("failed to read telephony response: %w", err)}
	}

	data := map[string]any{}
	if err := json.Unmarshal(body, &data); err != nil {
		data = map[string]any{"raw": string(body)}
	}
	// The identifier may be nested under a data envelope.
	if nested, ok := data["data"].(map[string]any); ok {
		for k, v := range nested {
			if _, exists := data[k]; !exists {
				data[k] = v
			}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CallResponse{}, &apierrors.UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("Telephony API failed (%d)", resp.StatusCode),
		}
	}
	return CallResponse{Raw: data}, nil
}

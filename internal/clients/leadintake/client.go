// Package leadintake forwards lead-capture submissions to a tenant's CRM
// intake endpoint.
package leadintake

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

// Lead is the contact payload the intake API expects.
type Lead struct {
	AgentID  string         `json:"agent_id"`
	FullName string         `json:"full_name"`
	Email    string         `json:"email"`
	Phone    string         `json:"phone"`
	Metadata map[string]any `json:"metadata"`
}

// Client forwards lead submissions.
type Client struct {
	httpClient *http.Client
	logger     *observability.Logger
}

func NewClient(logger *observability.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Submit forwards the lead to the tenant's intake URL. Non-JSON responses
// are wrapped rather than treated as hard failures.
func (c *Client) Submit(ctx context.Context, intakeURL string, lead Lead) (json.RawMessage, error) {
	if lead.Metadata == nil {
		lead.Metadata = map[string]any{}
	}
	payload, err := json.Marshal(lead)
	if err != nil {
		return nil, &apierrors.InternalError{Err: fmt.Errorf("failed to marshal lead: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, intakeURL, bytes.NewBuffer(payload))
	if err != nil {
		return nil, &apierrors.InternalError{Err: fmt.Errorf("failed to create lead request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error(ctx, "lead intake request failed", err)
		return nil, &apierrors.InternalError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierrors.InternalError{Err: fmt.Errorf("failed to read lead intake response: %w", err)}
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.logger.Warn(observability.WithFields(ctx,
			observability.Field{Key: "raw_body", Value: string(body)},
		), "non-JSON response from lead intake API")
		body, _ = json.Marshal(map[string]any{"raw": string(body)})
		parsed = map[string]any{}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := "Failed to send form data"
		if m, ok := parsed["message"].(string); ok && m != "" {
			message = m
		}
		return nil, &apierrors.UpstreamError{StatusCode: resp.StatusCode, Message: message}
	}
	return body, nil
}

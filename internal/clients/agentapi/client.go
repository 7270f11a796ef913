package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"widget-server/internal/apierrors"
	"widget-server/internal/observability"
)

// Client forwards agent session lifecycle requests to a tenant's agent
// orchestration backend.
type Client struct {
	httpClient *http.Client
	logger     *observability.Logger
}

// NewClient creates a new agent backend client.
func NewClient(logger *observability.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

// StartSessionParams is the payload for starting an agent session.
type StartSessionParams struct {
	AgentID        string `json:"agent_id"`
	TenantID       string `json:"tenant_id"`
	ClientIdentity string `json:"client_identity"`
}

// LiveKitConnection carries the media connection details the backend minted.
type LiveKitConnection struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// StartSessionResponse is the parsed start response plus the raw upstream
// body for passthrough.
type StartSessionResponse struct {
	LiveKit *LiveKitConnection `json:"livekit"`
	Raw     json.RawMessage    `json:"-"`
}

// StartSession asks the agent backend to spin up a session and mint media
// connection details for the given client identity.
func (c *Client) StartSession(ctx context.Context, baseURL string, p StartSessionParams) (StartSessionResponse, error) {
	body, status, err := c.post(ctx, joinPath(baseURL, "api/agents/start"), p)
	if err != nil {
		return StartSessionResponse{}, err
	}
	if status < 200 || status >= 300 {
		return StartSessionResponse{}, &apierrors.UpstreamError{
			StatusCode: status,
			Message:    upstreamMessage(body, "Failed to start agent session"),
		}
	}

	var resp StartSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return StartSessionResponse{}, &apierrors.InternalError{Err: fmt.Errorf("failed to parse agent start response: %w", err)}
	}
	resp.Raw = body
	return resp, nil
}

// ForwardStart forwards a caller-defined start payload verbatim and returns
// the upstream body untouched.
func (c *Client) ForwardStart(ctx context.Context, baseURL string, payload json.RawMessage) (json.RawMessage, error) {
	body, status, err := c.post(ctx, joinPath(baseURL, "api/agents/start"), payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &apierrors.UpstreamError{
			StatusCode: status,
			Message:    upstreamMessage(body, "Failed to start agent session"),
		}
	}
	return body, nil
}

// StopSession forwards a backend-defined stop payload and returns the
// upstream body verbatim.
func (c *Client) StopSession(ctx context.Context, baseURL string, payload json.RawMessage) (json.RawMessage, error) {
	body, status, err := c.post(ctx, joinPath(baseURL, "api/agents/stop"), payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &apierrors.UpstreamError{
			StatusCode: status,
			Message:    upstreamMessage(body, "Failed to stop agent session"),
		}
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, url string, payload any) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, &apierrors.InternalError{Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return nil, 0, &apierrors.InternalError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error(ctx, "agent backend request failed", err)
		return nil, 0, &apierrors.InternalError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &apierrors.InternalError{Err: fmt.Errorf("failed to read agent backend response: %w", err)}
	}
	return body, resp.StatusCode, nil
}

// upstreamMessage pulls a human-readable message out of an upstream error
// body, falling back when the body is not JSON.
func upstreamMessage(body []byte, fallback string) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	return fallback
}

func joinPath(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

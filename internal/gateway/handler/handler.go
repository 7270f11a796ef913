// Package handler exposes the gateway operations over HTTP for the widget
// iframe. Every route resolves its tenant from the domainName query parameter.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"widget-server/internal/apierrors"
	"widget-server/internal/clients/leadintake"
	"widget-server/internal/gateway/processor"
	"widget-server/internal/observability"

	"github.com/gin-gonic/gin"
)

// Handler handles widget gateway HTTP requests.
type Handler struct {
	processor *processor.Processor
	secret    string
	logger    *observability.Logger
}

func NewHandler(p *processor.Processor, telephonyTokenSecret string, logger *observability.Logger) *Handler {
	return &Handler{
		processor: p,
		secret:    telephonyTokenSecret,
		logger:    logger,
	}
}

// StartAgent proxies the widget's agent start payload to the tenant backend
// and returns the upstream body verbatim.
func (h *Handler) StartAgent(c *gin.Context) {
	h.forwardAgent(c, h.processor.ForwardAgentStart)
}

// StopAgent proxies the widget's agent stop payload to the tenant backend.
func (h *Handler) StopAgent(c *gin.Context) {
	h.forwardAgent(c, h.processor.StopAgentSession)
}

func (h *Handler) forwardAgent(c *gin.Context, forward func(ctx context.Context, domainName string, payload json.RawMessage) (json.RawMessage, error)) {
	ctx := c.Request.Context()
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	body, err := forward(ctx, c.Query("domainName"), payload)
	if err != nil {
		h.logger.InfoWithError(ctx, "agent session proxy failed", err)
		c.JSON(statusFor(err), gin.H{"message": apierrors.UserMessage(err)})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

type callRequest struct {
	AgentID             string `json:"agent_id"`
	PhoneSID            string `json:"phone_sid"`
	SIPTrunkID          string `json:"sip_trunk_id"`
	PhoneNumber         string `json:"phone_number"`
	Number              string `json:"number" binding:"required"`
	RoomName            string `json:"room_name"`
	ParticipantIdentity string `json:"participant_identity"`
	ParticipantName     string `json:"participant_name"`
}

// PlaceCall places an outbound call through the tenant's telephony backend.
func (h *Handler) PlaceCall(c *gin.Context) {
	ctx := c.Request.Context()

	var req callRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "number is required"})
		return
	}

	placed, err := h.processor.PlaceCall(ctx, c.Query("domainName"), processor.PlaceCallRequest{
		AgentID:             req.AgentID,
		PhoneSID:            req.PhoneSID,
		SIPTrunkID:          req.SIPTrunkID,
		PhoneNumber:         req.PhoneNumber,
		Destination:         req.Number,
		RoomName:            req.RoomName,
		ParticipantIdentity: req.ParticipantIdentity,
		ParticipantName:     req.ParticipantName,
	})
	if err != nil {
		h.logger.InfoWithError(ctx, "call placement failed", err)
		c.JSON(statusFor(err), gin.H{"success": false, "message": apierrors.UserMessage(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": placed.Raw, "provider": placed.Provider})
}

// CallStatus reports the normalized status of a call.
func (h *Handler) CallStatus(c *gin.Context) {
	ctx := c.Request.Context()
	sid := c.Query("sid")
	if sid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "unknown", "message": "sid is required"})
		return
	}

	res, err := h.processor.CallStatus(ctx, c.Query("domainName"), sid, c.Query("room"))
	if err != nil {
		h.logger.InfoWithError(ctx, "call status lookup failed", err)
		c.JSON(statusFor(err), gin.H{"status": "unknown", "message": apierrors.UserMessage(err)})
		return
	}

	resp := gin.H{"status": res.Status, "provider": res.Provider}
	if len(res.Participants) > 0 {
		resp["participants"] = res.Participants
	}
	c.JSON(http.StatusOK, resp)
}

// Hangup terminates a call.
func (h *Handler) Hangup(c *gin.Context) {
	ctx := c.Request.Context()
	sid := c.Query("sid")
	if sid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "sid is required"})
		return
	}

	provider, err := h.processor.Hangup(ctx, c.Query("domainName"), sid, c.Query("room"), c.Query("participant"))
	if err != nil {
		h.logger.InfoWithError(ctx, "hangup failed", err)
		c.JSON(statusFor(err), gin.H{"success": false, "message": apierrors.UserMessage(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "provider": provider})
}

type leadRequest struct {
	AgentID  string         `json:"agent_id"`
	FullName string         `json:"full_name"`
	Email    string         `json:"email"`
	Phone    string         `json:"phone"`
	Metadata map[string]any `json:"metadata"`
}

// SubmitLead forwards a lead-capture submission to the tenant's CRM.
func (h *Handler) SubmitLead(c *gin.Context) {
	ctx := c.Request.Context()

	var req leadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body"})
		return
	}

	body, err := h.processor.SubmitLead(ctx, c.Query("domainName"), leadintake.Lead{
		AgentID:  req.AgentID,
		FullName: req.FullName,
		Email:    req.Email,
		Phone:    req.Phone,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.logger.InfoWithError(ctx, "lead submission failed", err)
		c.JSON(statusFor(err), gin.H{"success": false, "message": apierrors.UserMessage(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": json.RawMessage(body)})
}

// Env exposes the telephony token secret, base64-encoded, to the admin
// surface that mints embed tokens.
func (h *Handler) Env(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"secret":  base64.URLEncoding.EncodeToString([]byte(h.secret)),
	})
}

func statusFor(err error) int {
	if _, ok := apierrors.AsValidation(err); ok {
		return http.StatusBadRequest
	}
	if ue, ok := apierrors.AsUpstream(err); ok {
		return ue.StatusCode
	}
	return http.StatusInternalServerError
}

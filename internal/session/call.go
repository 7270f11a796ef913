package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"widget-server/internal/apierrors"
	"widget-server/internal/clients/agentapi"
	"widget-server/internal/gateway/processor"
	"widget-server/internal/observability"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// StartMediaCall begins an agent conversation. When lead capture is enabled
// and no lead has been submitted yet, the form is shown instead and the call
// starts automatically after a successful submission.
func (c *Controller) StartMediaCall(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.phase != PhaseIdle {
		c.mu.Unlock()
		return
	}
	if c.cfg.FormEnabled && !c.leadSubmitted {
		c.formVisible = true
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)
		return
	}
	c.phase = PhaseConnecting
	c.callKind = CallMediaAgent
	identity := fmt.Sprintf("%s_%s", c.cfg.AgentName, uuid.NewString())
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	go c.connectAgent(ctx, identity)
}

func (c *Controller) connectAgent(ctx context.Context, identity string) {
	resp, err := c.gateway.StartAgentSession(ctx, c.cfg.DomainName, agentapi.StartSessionParams{
		AgentID:        c.cfg.AgentID,
		ClientIdentity: identity,
	})
	if err != nil {
		c.failCall(ctx, "Failed to connect to agent", err)
		return
	}
	if resp.LiveKit == nil || resp.LiveKit.URL == "" || resp.LiveKit.Token == "" {
		c.failCall(ctx, "Failed to connect to agent",
			&apierrors.InternalError{Err: fmt.Errorf("agent backend returned no media connection")})
		return
	}
	c.logTokenExpiry(ctx, resp.LiveKit.Token)

	if err := c.room.Connect(ctx, resp.LiveKit.URL, resp.LiveKit.Token); err != nil {
		c.failCall(ctx, "Failed to connect to agent", err)
		return
	}

	c.mu.Lock()
	if c.phase != PhaseConnecting {
		// User bailed out while the room was connecting.
		c.mu.Unlock()
		_ = c.room.Disconnect(context.Background())
		return
	}
	c.phase = PhaseConnected
	c.sessionRaw = resp.Raw
	c.startTickerLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// PlaceDialedCall dials the keypad entry through the telephony backend.
func (c *Controller) PlaceDialedCall(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.phase != PhaseIdle {
		c.mu.Unlock()
		return
	}
	digits := c.digits
	c.phase = PhaseDialing
	c.callKind = CallDialedNumber
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	go c.dial(ctx, digits)
}

func (c *Controller) dial(ctx context.Context, digits string) {
	// The identity is remembered so hangup can remove exactly this leg.
	identity := fmt.Sprintf("widget_%s", uuid.NewString())
	placed, err := c.gateway.PlaceCall(ctx, c.cfg.DomainName, processor.PlaceCallRequest{
		AgentID:             c.cfg.AgentID,
		PhoneSID:            c.cfg.PhoneSID,
		SIPTrunkID:          c.cfg.SIPTrunkID,
		PhoneNumber:         c.cfg.PhoneNumber,
		Destination:         digits,
		RoomName:            c.cfg.RoomName,
		ParticipantIdentity: identity,
		ParticipantName:     c.cfg.AgentName,
	})
	if err != nil {
		title := "Call initiation failed"
		if _, ok := apierrors.AsValidation(err); ok {
			title = "Invalid Number"
		}
		c.failCall(ctx, title, err)
		return
	}

	c.mu.Lock()
	if c.phase != PhaseDialing {
		c.mu.Unlock()
		return
	}
	c.callID = placed.CallID
	c.provider = placed.Provider
	c.dialIdentity = identity
	if strings.HasPrefix(placed.CallID, "SCL_") {
		// SIP-bridged calls report no early state, so the widget goes
		// optimistic and lets the poller correct it.
		c.phase = PhaseInProgress
		c.startTickerLocked()
	} else {
		c.phase = PhaseQueued
	}
	c.startPollerLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// failCall resets to idle with a banner. Used by both call flows.
func (c *Controller) failCall(ctx context.Context, title string, err error) {
	c.logger.InfoWithError(ctx, "call attempt failed", err)
	c.mu.Lock()
	c.resetToIdleLocked()
	c.setBannerLocked(title, apierrors.UserMessage(err), false)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Controller) startPollerLocked() {
	if c.stopPoller != nil {
		return
	}
	stop := make(chan struct{})
	c.stopPoller = stop
	go c.poll(stop, c.callID, c.cfg.RoomName)
}

// poll tracks a dialed call's status. Results are discarded when the call id
// no longer matches the active call, so a slow response from a finished call
// can never clobber a newer one.
func (c *Controller) poll(stop chan struct{}, callID, roomHint string) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			res, err := c.gateway.CallStatus(context.Background(), c.cfg.DomainName, callID, roomHint)

			c.mu.Lock()
			if c.callID != callID || c.stopPoller == nil {
				stale := c.callID
				c.mu.Unlock()
				c.logger.Info(observability.WithFields(context.Background(),
					observability.Field{Key: "polled_call_id", Value: callID},
					observability.Field{Key: "active_call_id", Value: stale},
				), "discarding stale call status result")
				return
			}
			if err != nil {
				c.mu.Unlock()
				c.logger.InfoWithError(context.Background(), "call status poll failed", err)
				continue
			}

			switch res.Status {
			case "queued", "ringing":
				c.phase = PhaseQueued
			case processor.StatusInProgress:
				c.phase = PhaseInProgress
				c.startTickerLocked()
			case processor.StatusCompleted, "busy", "failed", "no-answer", "canceled":
				c.resetToIdleLocked()
				snap := c.snapshotLocked()
				c.mu.Unlock()
				c.publish(snap)
				return
			}
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.publish(snap)
		}
	}
}

// logTokenExpiry peeks at the unverified media token so short-lived tokens
// show up in logs before the room rejects them.
func (c *Controller) logTokenExpiry(ctx context.Context, token string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	c.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "token_expires_in", Value: time.Until(exp.Time).String()},
	), "media token minted")
}

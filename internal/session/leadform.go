package session

import (
	"context"
	"errors"
	"time"

	"widget-server/internal/apierrors"
	"widget-server/internal/clients/leadintake"

	"github.com/go-playground/validator/v10"
)

// LeadForm holds the visitor's lead-capture entry.
type LeadForm struct {
	FullName string `json:"full_name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Phone    string `json:"phone" validate:"required,usphone"`
}

func newLeadValidator() *validator.Validate {
	v := validator.New()
	// usphone accepts any formatting as long as ten digits survive.
	_ = v.RegisterValidation("usphone", func(fl validator.FieldLevel) bool {
		digits := 0
		for _, r := range fl.Field().String() {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		return digits >= 10
	})
	return v
}

func leadFieldError(fe validator.FieldError) (field, message string) {
	switch fe.StructField() {
	case "FullName":
		return "full_name", "Full name is required"
	case "Email":
		if fe.Tag() == "required" {
			return "email", "Email is required"
		}
		return "email", "Please enter a valid email"
	case "Phone":
		if fe.Tag() == "required" {
			return "phone", "Phone number is required"
		}
		return "phone", "Please enter a valid USA phone number"
	}
	return fe.StructField(), "Invalid value"
}

// SetFormField updates one lead form field. Field names match the wire form:
// full_name, email, phone.
func (c *Controller) SetFormField(field, value string) {
	c.mu.Lock()
	switch field {
	case "full_name":
		c.form.FullName = value
	case "email":
		c.form.Email = value
	case "phone":
		c.form.Phone = value
	default:
		c.mu.Unlock()
		return
	}
	delete(c.formErrors, field)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// SubmitLeadForm validates the form, forwards the lead, and on success hides
// the form and starts the agent call after a short confirmation pause.
func (c *Controller) SubmitLeadForm(ctx context.Context) {
	c.mu.Lock()
	if c.closed || !c.formVisible {
		c.mu.Unlock()
		return
	}
	form := c.form
	c.mu.Unlock()

	if err := c.validate.Struct(form); err != nil {
		fieldErrors := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				field, message := leadFieldError(fe)
				if _, seen := fieldErrors[field]; !seen {
					fieldErrors[field] = message
				}
			}
		}
		c.mu.Lock()
		c.formErrors = fieldErrors
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)
		return
	}

	c.mu.Lock()
	c.formErrors = nil
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	go c.submitLead(ctx, form)
}

func (c *Controller) submitLead(ctx context.Context, form LeadForm) {
	_, err := c.gateway.SubmitLead(ctx, c.cfg.DomainName, leadintake.Lead{
		AgentID:  c.cfg.AgentID,
		FullName: form.FullName,
		Email:    form.Email,
		Phone:    form.Phone,
	})
	if err != nil {
		c.logger.InfoWithError(ctx, "lead submission failed", err)
		c.mu.Lock()
		c.setBannerLocked("Call initiation failed", apierrors.UserMessage(err), false)
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)
		return
	}

	c.mu.Lock()
	c.leadSubmitted = true
	c.formVisible = false
	c.setBannerLocked("Success", "Connecting you to an agent.", true)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	time.AfterFunc(c.opts.PreCallDelay, func() {
		c.StartMediaCall(context.Background())
	})
}

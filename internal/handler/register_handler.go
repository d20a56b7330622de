// Package handler provides HTTP handlers for the ledger API.
package handler

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/flumehq/ledger/internal/middleware"
	"github.com/flumehq/ledger/internal/models"
	apierrors "github.com/flumehq/ledger/internal/pkg/errors"
	"github.com/flumehq/ledger/internal/pkg/response"
	"github.com/flumehq/ledger/internal/service"
)

// serviceNamePattern constrains service names to DNS-ish lowercase
// identifiers.
var serviceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// newValidator builds the request validator with the custom tags the
// registry uses.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("service_name", func(fl validator.FieldLevel) bool {
		return serviceNamePattern.MatchString(fl.Field().String())
	})
	return v
}

// validationError converts a validator failure into the 422 envelope,
// naming the first offending field.
func validationError(err error) *apierrors.APIError {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		first := verrs[0]
		return apierrors.NewValidationError(first.Field(), "failed on "+first.Tag())
	}
	return apierrors.NewValidationError("request", err.Error())
}

// RegisterHandler handles instance lifecycle requests.
type RegisterHandler struct {
	registry service.RegistryService
	validate *validator.Validate
}

// NewRegisterHandler creates a new registration handler.
func NewRegisterHandler(registry service.RegistryService) *RegisterHandler {
	return &RegisterHandler{
		registry: registry,
		validate: newValidator(),
	}
}

// Register handles POST /v1/flume/register (bootstrap-signed).
func (h *RegisterHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	resp, err := h.registry.Register(r.Context(), &req)
	if err != nil {
		response.Error(w, err)
		return
	}

	middleware.IncrementRegistrations()
	response.OK(w, "registered", resp)
}

// Deregister handles DELETE /v1/flume/register (instance-signed).
func (h *RegisterHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	inst := middleware.GetInstance(r.Context())
	if inst == nil {
		response.Error(w, apierrors.ErrInvalidInstance)
		return
	}

	var req models.DeregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	// The signature already proves identity; the body must agree.
	id, err := uuid.Parse(req.InstanceID)
	if err != nil || id != inst.InstanceID {
		response.Error(w, apierrors.ErrInvalidInstance.WithDev("body instance_id does not match signer"))
		return
	}

	if err := h.registry.Deregister(r.Context(), id); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, "deregistered", nil)
}

// Heartbeat handles POST /v1/flume/heartbeat (instance-signed).
func (h *RegisterHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	inst := middleware.GetInstance(r.Context())
	if inst == nil {
		response.Error(w, apierrors.ErrInvalidInstance)
		return
	}

	var req models.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	id, err := uuid.Parse(req.InstanceID)
	if err != nil || id != inst.InstanceID {
		response.Error(w, apierrors.ErrInvalidInstance.WithDev("body instance_id does not match signer"))
		return
	}

	resp, err := h.registry.Heartbeat(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}

	middleware.IncrementHeartbeats()
	response.OK(w, "heartbeat accepted", resp)
}

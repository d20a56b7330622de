package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/flumehq/ledger/internal/middleware"
	"github.com/flumehq/ledger/internal/models"
	apierrors "github.com/flumehq/ledger/internal/pkg/errors"
	"github.com/flumehq/ledger/internal/pkg/response"
	"github.com/flumehq/ledger/internal/service"
)

// EventHandler handles event catalog requests. All routes are
// instance-signed; the authenticated service is the publisher or
// subscriber.
type EventHandler struct {
	catalog  service.EventCatalogService
	validate *validator.Validate
}

// NewEventHandler creates a new event catalog handler.
func NewEventHandler(catalog service.EventCatalogService) *EventHandler {
	return &EventHandler{
		catalog:  catalog,
		validate: newValidator(),
	}
}

// Declare handles POST /v1/flume/events.
func (h *EventHandler) Declare(w http.ResponseWriter, r *http.Request) {
	svc := middleware.GetService(r.Context())
	if svc == nil {
		response.Error(w, apierrors.ErrInvalidInstance)
		return
	}

	var req models.DeclareEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	def, err := h.catalog.Declare(r.Context(), svc.ServiceID, &req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, "event declared", def)
}

// ListDeclared handles GET /v1/flume/events.
func (h *EventHandler) ListDeclared(w http.ResponseWriter, r *http.Request) {
	svc := middleware.GetService(r.Context())
	if svc == nil {
		response.Error(w, apierrors.ErrInvalidInstance)
		return
	}

	defs, err := h.catalog.ListDeclared(r.Context(), svc.ServiceID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, "declared events", defs)
}

// Subscribe handles POST /v1/flume/subscriptions.
func (h *EventHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	svc := middleware.GetService(r.Context())
	if svc == nil {
		response.Error(w, apierrors.ErrInvalidInstance)
		return
	}

	var req models.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	sub, err := h.catalog.Subscribe(r.Context(), svc.ServiceID, &req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, "subscribed", sub)
}

// ListSubscriptions handles GET /v1/flume/subscriptions.
func (h *EventHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	svc := middleware.GetService(r.Context())
	if svc == nil {
		response.Error(w, apierrors.ErrInvalidInstance)
		return
	}

	subs, err := h.catalog.ListSubscriptions(r.Context(), svc.ServiceID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, "subscriptions", subs)
}

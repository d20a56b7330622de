package handler

import (
	"net/http"
	"strconv"

	"github.com/flumehq/ledger/internal/middleware"
	apierrors "github.com/flumehq/ledger/internal/pkg/errors"
	"github.com/flumehq/ledger/internal/pkg/response"
	"github.com/flumehq/ledger/internal/repository"
	"github.com/flumehq/ledger/internal/service"
)

// RegistryHandler serves registry snapshot reads and the audit trail.
type RegistryHandler struct {
	snapshots *service.SnapshotService
	store     *repository.Store
}

// NewRegistryHandler creates a new registry read handler.
func NewRegistryHandler(snapshots *service.SnapshotService, store *repository.Store) *RegistryHandler {
	return &RegistryHandler{snapshots: snapshots, store: store}
}

// GetSnapshot handles GET /v1/flume/registry (instance-signed). The
// pull path mirrors what the fanout pushes, so an instance that missed
// a push can resynchronise on demand.
func (h *RegistryHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.snapshots.BuildSnapshot(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}

	w.Header().Set("X-Registry-Version", strconv.FormatInt(snapshot.Version, 10))
	response.OK(w, "registry snapshot", snapshot)
}

// maxEventLimit caps audit trail page sizes.
const maxEventLimit = 500

// ListEvents handles GET /v1/flume/registry/events (instance-signed).
func (h *RegistryHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			response.Error(w, apierrors.NewValidationError("limit", "must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	svc := middleware.GetService(r.Context())
	if svc == nil {
		response.Error(w, apierrors.ErrInvalidInstance)
		return
	}

	repos := h.store.Repos()
	events, err := repos.Events.ListByService(r.Context(), svc.ServiceID, limit)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, "registry events", events)
}

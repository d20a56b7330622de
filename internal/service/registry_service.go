// Package service provides business logic implementations.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flumehq/ledger/internal/clock"
	"github.com/flumehq/ledger/internal/models"
	apierrors "github.com/flumehq/ledger/internal/pkg/errors"
	"github.com/flumehq/ledger/internal/pkg/ulid"
	"github.com/flumehq/ledger/internal/repository"
	"github.com/flumehq/ledger/internal/secrets"
)

// Publisher triggers a registry snapshot push to the fleet. Publish
// must not block the caller; delivery runs in the background.
type Publisher interface {
	Publish()
}

// RegistrySettings are the liveness and lease knobs of the registry.
type RegistrySettings struct {
	DefaultHeartbeatSec int
	LeaseTTLMultiplier  int
	MaxConsecutiveMiss  int
}

// RegistryService is the registration and liveness core.
type RegistryService interface {
	Register(ctx context.Context, req *models.RegisterRequest) (*models.RegisterResponse, error)
	Deregister(ctx context.Context, instanceID uuid.UUID) error
	Heartbeat(ctx context.Context, instanceID uuid.UUID) (*models.HeartbeatResponse, error)
	GetInstance(ctx context.Context, instanceID uuid.UUID) (*models.ServiceInstance, *models.Service, error)
	SweepMissed(ctx context.Context) (int, error)
}

type registryService struct {
	store    *repository.Store
	secrets  *secrets.Service
	pub      Publisher
	clk      clock.Clock
	settings RegistrySettings
	logger   *slog.Logger
}

// NewRegistryService creates the registration and liveness service.
func NewRegistryService(store *repository.Store, sec *secrets.Service, pub Publisher, clk clock.Clock, settings RegistrySettings, logger *slog.Logger) RegistryService {
	if settings.DefaultHeartbeatSec <= 0 {
		settings.DefaultHeartbeatSec = 10
	}
	if settings.LeaseTTLMultiplier <= 0 {
		settings.LeaseTTLMultiplier = 3
	}
	if settings.MaxConsecutiveMiss <= 0 {
		settings.MaxConsecutiveMiss = 3
	}
	return &registryService{
		store:    store,
		secrets:  sec,
		pub:      pub,
		clk:      clk,
		settings: settings,
		logger:   logger,
	}
}

func (s *registryService) leaseTTL(heartbeatSec int) int {
	return heartbeatSec * s.settings.LeaseTTLMultiplier
}

// Register creates or refreshes an instance registration. The whole
// state transition runs in one transaction; a version bump happens only
// when visible state actually changed, so idempotent re-registration
// does not churn the fleet.
func (s *registryService) Register(ctx context.Context, req *models.RegisterRequest) (*models.RegisterResponse, error) {
	heartbeat := req.HeartbeatIntervalSec
	if heartbeat <= 0 {
		heartbeat = s.settings.DefaultHeartbeatSec
	}
	healthURL := req.HealthURL
	if healthURL == "" {
		healthURL = models.DefaultHealthURL(req.BaseURL)
	}

	var meta json.RawMessage
	if req.Meta != nil {
		encoded, err := json.Marshal(req.Meta)
		if err != nil {
			return nil, apierrors.ErrInternal.WithDevf("encode meta: %v", err)
		}
		meta = encoded
	}

	now := s.clk.Now()
	var resp *models.RegisterResponse
	var changed bool

	err := s.store.InTx(ctx, func(repos repository.Repos) error {
		svc, created, err := repos.Services.GetOrCreate(ctx, req.ServiceName, req.BootstrapSecretRef)
		if err != nil {
			return err
		}

		// The active kid becomes the instance's push kid; clients select
		// their verification key by this value.
		activeKID, _, err := s.secrets.GetCurrent(ctx, svc)
		if err != nil {
			return apierrors.ErrInternal.WithDevf("resolve secret: %v", err)
		}
		if activeKID != svc.ActiveKID {
			if err := repos.Services.SetActiveKID(ctx, svc.ServiceID, activeKID); err != nil {
				return err
			}
			svc.ActiveKID = activeKID
		}

		if req.Capabilities != nil {
			if !stringSlicesEqual(svc.Publishes, req.Capabilities.Publishes) ||
				!stringSlicesEqual(svc.Consumes, req.Capabilities.Consumes) {
				if err := repos.Services.SetCapabilities(ctx, svc.ServiceID, req.Capabilities.Publishes, req.Capabilities.Consumes); err != nil {
					return err
				}
				changed = true
			}
		}
		changed = changed || created

		inst, instChanged, err := s.upsertInstance(ctx, repos, svc, req, heartbeat, healthURL, meta, now)
		if err != nil {
			return err
		}
		changed = changed || instChanged

		version, err := s.bumpIfChanged(ctx, repos, changed)
		if err != nil {
			return err
		}

		if changed {
			kind := models.EventInstanceUpdated
			if instChanged && inst.CreatedAt.Equal(inst.UpdatedAt) {
				kind = models.EventInstanceRegistered
			}
			if err := s.appendEvent(ctx, repos, kind, svc.ServiceID, &inst.InstanceID, version, nil); err != nil {
				return err
			}
		}

		resp = &models.RegisterResponse{
			ServiceID:       svc.ServiceID.String(),
			InstanceID:      inst.InstanceID.String(),
			PushKID:         svc.ActiveKID,
			LeaseTTLSec:     s.leaseTTL(heartbeat),
			RegistryVersion: version,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.pub.Publish()
	}
	return resp, nil
}

// upsertInstance resolves the instance at the request's scheduler
// coordinates, creating it when absent. Returns whether visible state
// changed.
func (s *registryService) upsertInstance(ctx context.Context, repos repository.Repos, svc *models.Service, req *models.RegisterRequest, heartbeat int, healthURL string, meta json.RawMessage, now time.Time) (*models.ServiceInstance, bool, error) {
	inst, err := repos.Instances.GetByCoords(ctx, svc.ServiceID, req.NodeID, req.TaskSlot)
	if err != nil {
		return nil, false, err
	}

	if inst == nil {
		inst = &models.ServiceInstance{
			InstanceID:           uuid.New(),
			ServiceID:            svc.ServiceID,
			NodeID:               &req.NodeID,
			TaskSlot:             &req.TaskSlot,
			BootID:               &req.BootID,
			BaseURL:              req.BaseURL,
			HealthURL:            healthURL,
			HeartbeatIntervalSec: heartbeat,
			Status:               models.StatusUp,
			LastHeartbeatAt:      &now,
			PushKID:              svc.ActiveKID,
			Meta:                 meta,
		}
		err := repos.Instances.Create(ctx, inst)
		if errors.Is(err, repository.ErrUniqueViolation) {
			// Lost the coordinate race: the winner's row is this
			// instance's row, refreshed below.
			inst, err = repos.Instances.GetByCoords(ctx, svc.ServiceID, req.NodeID, req.TaskSlot)
			if err != nil {
				return nil, false, err
			}
			if inst == nil {
				return nil, false, apierrors.ErrInternal.WithDev("instance create race lost and row absent")
			}
		} else if err != nil {
			return nil, false, err
		} else {
			return inst, true, nil
		}
	}

	changed := false
	if inst.BootID == nil || *inst.BootID != req.BootID {
		// A new boot id is a restart: the replica is alive again
		// regardless of what the sweeper last recorded.
		inst.BootID = &req.BootID
		inst.Status = models.StatusUp
		inst.ConsecutiveMiss = 0
		inst.LastHeartbeatAt = &now
		changed = true
	}
	if inst.BaseURL != req.BaseURL {
		inst.BaseURL = req.BaseURL
		changed = true
	}
	if inst.HealthURL != healthURL {
		inst.HealthURL = healthURL
		changed = true
	}
	if inst.HeartbeatIntervalSec != heartbeat {
		inst.HeartbeatIntervalSec = heartbeat
		changed = true
	}
	if !bytesEqual(inst.Meta, meta) {
		inst.Meta = meta
		changed = true
	}
	if inst.PushKID != svc.ActiveKID {
		inst.PushKID = svc.ActiveKID
		changed = true
	}

	if changed {
		if err := repos.Instances.Update(ctx, inst); err != nil {
			return nil, false, err
		}
	}
	return inst, changed, nil
}

// Deregister removes an instance and announces the shrink to the fleet.
func (s *registryService) Deregister(ctx context.Context, instanceID uuid.UUID) error {
	err := s.store.InTx(ctx, func(repos repository.Repos) error {
		inst, err := repos.Instances.GetByID(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst == nil {
			return apierrors.ErrInstanceNotFound
		}
		if err := repos.Instances.Delete(ctx, instanceID); err != nil {
			return err
		}
		version, err := repos.RegistryState.Bump(ctx)
		if err != nil {
			return err
		}
		return s.appendEvent(ctx, repos, models.EventInstanceDeregistered, inst.ServiceID, &instanceID, version, nil)
	})
	if err != nil {
		return err
	}
	s.pub.Publish()
	return nil
}

// Heartbeat renews an instance's lease. A heartbeat from a DOWN
// instance revives it, which is a visible change and triggers a push.
func (s *registryService) Heartbeat(ctx context.Context, instanceID uuid.UUID) (*models.HeartbeatResponse, error) {
	now := s.clk.Now()
	var resp *models.HeartbeatResponse
	var revived bool

	err := s.store.InTx(ctx, func(repos repository.Repos) error {
		before, err := repos.Instances.GetByID(ctx, instanceID)
		if err != nil {
			return err
		}
		if before == nil {
			return apierrors.ErrInstanceNotFound
		}

		inst, err := repos.Instances.RecordHeartbeat(ctx, instanceID, now)
		if err != nil {
			return err
		}
		if inst == nil {
			return apierrors.ErrInstanceNotFound
		}

		revived = before.Status == models.StatusDown && inst.Status == models.StatusUp
		version, err := s.bumpIfChanged(ctx, repos, revived)
		if err != nil {
			return err
		}
		if revived {
			if err := s.appendEvent(ctx, repos, models.EventInstanceRevived, inst.ServiceID, &instanceID, version, nil); err != nil {
				return err
			}
		}

		resp = &models.HeartbeatResponse{
			InstanceID:      inst.InstanceID.String(),
			Status:          inst.Status.String(),
			LeaseTTLSec:     s.leaseTTL(inst.HeartbeatIntervalSec),
			RegistryVersion: version,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if revived {
		s.pub.Publish()
	}
	return resp, nil
}

// GetInstance resolves an instance and its owning service. Both are nil
// when the instance is unknown.
func (s *registryService) GetInstance(ctx context.Context, instanceID uuid.UUID) (*models.ServiceInstance, *models.Service, error) {
	repos := s.store.Repos()
	inst, err := repos.Instances.GetByID(ctx, instanceID)
	if err != nil || inst == nil {
		return nil, nil, err
	}
	svc, err := repos.Services.GetByID(ctx, inst.ServiceID)
	if err != nil {
		return nil, nil, err
	}
	return inst, svc, nil
}

// SweepMissed runs one liveness sweep: instances past their lease gain
// a miss, and instances reaching the miss limit flip to DOWN. Returns
// the number of instances touched.
func (s *registryService) SweepMissed(ctx context.Context) (int, error) {
	now := s.clk.Now()
	var touched int
	var wentDown bool

	err := s.store.InTx(ctx, func(repos repository.Repos) error {
		missed, err := repos.Instances.MarkMissed(ctx, s.settings.LeaseTTLMultiplier, s.settings.MaxConsecutiveMiss, now)
		if err != nil {
			return err
		}
		touched = len(missed)

		var down []*models.ServiceInstance
		for _, inst := range missed {
			if inst.Status == models.StatusDown {
				down = append(down, inst)
			}
		}
		if len(down) == 0 {
			return nil
		}
		wentDown = true

		version, err := repos.RegistryState.Bump(ctx)
		if err != nil {
			return err
		}
		for _, inst := range down {
			id := inst.InstanceID
			if err := s.appendEvent(ctx, repos, models.EventInstanceDown, inst.ServiceID, &id, version, nil); err != nil {
				return err
			}
			s.logger.Warn("instance marked down",
				"instance_id", inst.InstanceID,
				"service_id", inst.ServiceID,
				"consecutive_miss", inst.ConsecutiveMiss,
			)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if wentDown {
		s.pub.Publish()
	}
	return touched, nil
}

// bumpIfChanged bumps the version counter when changed, otherwise reads
// the current value.
func (s *registryService) bumpIfChanged(ctx context.Context, repos repository.Repos, changed bool) (int64, error) {
	if changed {
		return repos.RegistryState.Bump(ctx)
	}
	return repos.RegistryState.Current(ctx)
}

func (s *registryService) appendEvent(ctx context.Context, repos repository.Repos, kind models.RegistryEventKind, serviceID uuid.UUID, instanceID *uuid.UUID, version int64, detail json.RawMessage) error {
	return repos.Events.Append(ctx, &models.RegistryEvent{
		ID:              ulid.New(),
		Kind:            kind,
		ServiceID:       serviceID,
		InstanceID:      instanceID,
		RegistryVersion: version,
		Detail:          detail,
	})
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bytesEqual(a, b json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

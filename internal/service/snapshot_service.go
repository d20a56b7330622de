package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/flumehq/ledger/internal/models"
	"github.com/flumehq/ledger/internal/repository"
	"github.com/flumehq/ledger/internal/signer"
)

// DefaultFanoutTimeout bounds one push round-trip.
const DefaultFanoutTimeout = 10 * time.Second

// registryPushPath is the path every instance serves snapshot pushes on.
const registryPushPath = "/flume/registry"

var (
	fanoutPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_fanout_pushes_total",
		Help: "Registry snapshot pushes by outcome.",
	}, []string{"outcome"})

	fanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_fanout_duration_seconds",
		Help:    "Duration of full fanout rounds.",
		Buckets: prometheus.DefBuckets,
	})
)

// PushResult is the outcome of one snapshot push.
type PushResult struct {
	InstanceID string `json:"instance_id"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error,omitempty"`
}

// SnapshotService builds registry snapshots and fans them out to every
// UP instance with per-instance signed pushes.
type SnapshotService struct {
	store   *repository.Store
	signer  *signer.Service
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger

	// notify coalesces publish triggers: many bumps in flight collapse
	// into one pending round.
	notify chan struct{}
}

// NewSnapshotService creates the snapshot builder and push fanout.
// A zero timeout falls back to DefaultFanoutTimeout.
func NewSnapshotService(store *repository.Store, sig *signer.Service, timeout time.Duration, logger *slog.Logger) *SnapshotService {
	if timeout <= 0 {
		timeout = DefaultFanoutTimeout
	}
	return &SnapshotService{
		store:  store,
		signer: sig,
		client: &http.Client{
			Timeout: timeout,
			// A redirect would resend the signed body to an address the
			// registry never vetted.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
		logger:  logger,
		notify:  make(chan struct{}, 1),
	}
}

// Publish implements Publisher. Non-blocking: a round is queued unless
// one is already pending.
func (s *SnapshotService) Publish() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run consumes publish triggers until ctx is cancelled. Intended to run
// in its own goroutine from main.
func (s *SnapshotService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
			results, err := s.PushAll(ctx)
			if err != nil {
				s.logger.Error("fanout round failed", "error", err)
				continue
			}
			failed := 0
			for _, r := range results {
				if r.Error != "" || r.StatusCode < 200 || r.StatusCode >= 300 {
					failed++
				}
			}
			s.logger.Info("fanout round complete", "targets", len(results), "failed", failed)
		}
	}
}

// BuildSnapshot assembles the point-in-time fleet view. Services and
// their instances come from one consistent read; all instances appear,
// whatever their status, so clients can drain gracefully.
func (s *SnapshotService) BuildSnapshot(ctx context.Context) (*models.RegistrySnapshot, error) {
	repos := s.store.Repos()

	version, err := repos.RegistryState.Current(ctx)
	if err != nil {
		return nil, err
	}
	services, err := repos.Services.List(ctx)
	if err != nil {
		return nil, err
	}
	instances, err := repos.Instances.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	byService := make(map[string][]models.InstanceSnapshot, len(services))
	for _, inst := range instances {
		sid := inst.ServiceID.String()
		byService[sid] = append(byService[sid], models.InstanceSnapshot{
			InstanceID: inst.InstanceID.String(),
			BaseURL:    inst.BaseURL,
			Status:     inst.Status.String(),
			Meta:       inst.Meta,
		})
	}

	snapshot := &models.RegistrySnapshot{
		Version:  version,
		Services: make([]models.ServiceSnapshot, 0, len(services)),
	}
	for _, svc := range services {
		snapshot.Services = append(snapshot.Services, models.ServiceSnapshot{
			ServiceID: svc.ServiceID.String(),
			Name:      svc.Name,
			Capabilities: models.Capabilities{
				Publishes: svc.Publishes,
				Consumes:  svc.Consumes,
			},
			Meta:      svc.Meta,
			Instances: byService[svc.ServiceID.String()],
		})
	}
	return snapshot, nil
}

// PushAll builds the current snapshot and pushes it to every UP
// instance concurrently. One slow or dead target never delays the
// others; per-target outcomes are returned for observability.
func (s *SnapshotService) PushAll(ctx context.Context) ([]PushResult, error) {
	started := time.Now()
	defer func() {
		fanoutDuration.Observe(time.Since(started).Seconds())
	}()

	snapshot, err := s.BuildSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	body, err := snapshot.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	repos := s.store.Repos()
	targets, err := repos.Instances.ListUp(ctx)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, nil
	}

	serviceCache := make(map[string]*models.Service)
	results := make([]PushResult, len(targets))

	var wg sync.WaitGroup
	for i, inst := range targets {
		svc := serviceCache[inst.ServiceID.String()]
		if svc == nil {
			svc, err = repos.Services.GetByID(ctx, inst.ServiceID)
			if err != nil || svc == nil {
				results[i] = PushResult{InstanceID: inst.InstanceID.String(), Error: "owning service not found"}
				continue
			}
			serviceCache[inst.ServiceID.String()] = svc
		}

		wg.Add(1)
		go func(i int, svc *models.Service, inst *models.ServiceInstance) {
			defer wg.Done()
			results[i] = s.pushOne(ctx, svc, inst, snapshot.Version, body)
		}(i, svc, inst)
	}
	wg.Wait()

	return results, nil
}

// pushURL builds the push endpoint for an instance. Registered base
// URLs may carry a trailing slash; doubled slashes would change the
// path some receivers verify against.
func pushURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + registryPushPath
}

// pushOne delivers the snapshot to a single instance with a signed PUT.
func (s *SnapshotService) pushOne(ctx context.Context, svc *models.Service, inst *models.ServiceInstance, version int64, body []byte) PushResult {
	result := PushResult{InstanceID: inst.InstanceID.String()}

	headers, err := s.signer.SignedHeadersFor(ctx, svc, inst, http.MethodPut, registryPushPath, body)
	if err != nil {
		result.Error = fmt.Sprintf("sign push: %v", err)
		fanoutPushes.WithLabelValues("sign_error").Inc()
		return result
	}

	pushCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	url := pushURL(inst.BaseURL)
	req, err := http.NewRequestWithContext(pushCtx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("build request: %v", err)
		fanoutPushes.WithLabelValues("error").Inc()
		return result
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Registry-Version", strconv.FormatInt(version, 10))

	resp, err := s.client.Do(req)
	if err != nil {
		result.Error = err.Error()
		fanoutPushes.WithLabelValues("error").Inc()
		s.logger.Warn("snapshot push failed",
			"instance_id", inst.InstanceID,
			"url", url,
			"error", err,
		)
		return result
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		fanoutPushes.WithLabelValues("ok").Inc()
	} else {
		fanoutPushes.WithLabelValues("rejected").Inc()
		s.logger.Warn("snapshot push rejected",
			"instance_id", inst.InstanceID,
			"status", resp.StatusCode,
		)
	}
	return result
}

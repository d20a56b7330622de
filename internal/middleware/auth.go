package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/flumehq/ledger/internal/models"
	apierrors "github.com/flumehq/ledger/internal/pkg/errors"
	"github.com/flumehq/ledger/internal/pkg/response"
	"github.com/flumehq/ledger/internal/signer"
)

// Signed request headers.
const (
	HeaderTimestamp  = "X-Timestamp"
	HeaderNonce      = "X-Nonce"
	HeaderSignature  = "X-Signature"
	HeaderKeyID      = "X-Key-Id"
	HeaderInstanceID = "X-Instance-Id"
)

// maxBodyBytes bounds how much request body the verifiers will read.
const maxBodyBytes = 1 << 20

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ServiceKey is the context key for the authenticated service.
	ServiceKey contextKey = "service"
	// InstanceKey is the context key for the authenticated instance.
	InstanceKey contextKey = "instance"
)

// GetService retrieves the authenticated service from context.
func GetService(ctx context.Context) *models.Service {
	if v := ctx.Value(ServiceKey); v != nil {
		return v.(*models.Service)
	}
	return nil
}

// GetInstance retrieves the authenticated instance from context.
func GetInstance(ctx context.Context) *models.ServiceInstance {
	if v := ctx.Value(InstanceKey); v != nil {
		return v.(*models.ServiceInstance)
	}
	return nil
}

// InstanceResolver loads an instance and its owning service.
// Implemented by service.RegistryService.
type InstanceResolver interface {
	GetInstance(ctx context.Context, instanceID uuid.UUID) (*models.ServiceInstance, *models.Service, error)
}

// readBody consumes and restores the request body so the handler can
// decode it again after verification.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// reasonToError maps verifier rejection reasons to API errors. The
// split follows the wire contract: malformed or missing material is a
// 400 with the matching code, a failed check is a 401.
func reasonToError(reason string) *apierrors.APIError {
	switch reason {
	case "missing timestamp", "timestamp window":
		return apierrors.ErrInvalidTimestamp
	case "missing nonce":
		return apierrors.ErrInvalidNonce
	case "missing kid":
		return apierrors.ErrInvalidKID
	case "replay", "bad signature format", "bad signature",
		"unknown kid", "prev key expired", "no current secret", "bad token encoding":
		return apierrors.ErrInvalidSignature.WithDev(reason)
	default:
		return apierrors.ErrInternal.WithDev(reason)
	}
}

// bootstrapBody is the subset of the register body the verifier needs
// before the handler decodes the full request.
type bootstrapBody struct {
	ServiceName string `json:"service_name"`
}

// BootstrapVerification verifies bootstrap-signed requests: the caller
// holds the pre-shared service token but no instance identity yet. The
// token comes from the Authorization header and keys the HMAC directly.
func BootstrapVerification(sig *signer.Service) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				response.Error(w, apierrors.ErrInvalidAuth.WithDev("Authorization must be 'Bearer <token>'"))
				return
			}
			bearer := strings.TrimPrefix(auth, "Bearer ")

			if r.Header.Get(HeaderSignature) == "" {
				response.Error(w, apierrors.ErrMissingSignature)
				return
			}

			body, err := readBody(r)
			if err != nil {
				response.Error(w, apierrors.ErrInternal.WithDevf("read body: %v", err))
				return
			}

			// The service name scopes nonce replay detection.
			var claim bootstrapBody
			if err := json.Unmarshal(body, &claim); err != nil || claim.ServiceName == "" {
				response.Error(w, apierrors.ErrInvalidAuth.WithDev("body lacks service_name"))
				return
			}

			ok, reason := sig.VerifyBootstrap(r.Context(),
				claim.ServiceName,
				bearer,
				r.Header.Get(HeaderTimestamp),
				r.Header.Get(HeaderNonce),
				r.Header.Get(HeaderSignature),
				body,
			)
			if !ok {
				response.Error(w, reasonToError(reason))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// instanceBody is the subset of instance-signed bodies naming the caller.
type instanceBody struct {
	InstanceID string `json:"instance_id"`
}

// InstanceVerification verifies instance-signed requests against the
// caller's derived client key. The instance names itself in the
// X-Instance-Id header or the instance_id body field.
func InstanceVerification(sig *signer.Service, resolver InstanceResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(HeaderSignature) == "" {
				response.Error(w, apierrors.ErrMissingSignature)
				return
			}

			body, err := readBody(r)
			if err != nil {
				response.Error(w, apierrors.ErrInternal.WithDevf("read body: %v", err))
				return
			}

			rawID := r.Header.Get(HeaderInstanceID)
			if rawID == "" && len(body) > 0 {
				var claim instanceBody
				if err := json.Unmarshal(body, &claim); err == nil {
					rawID = claim.InstanceID
				}
			}
			if rawID == "" {
				response.Error(w, apierrors.ErrInvalidInstance)
				return
			}
			instanceID, err := uuid.Parse(rawID)
			if err != nil {
				response.Error(w, apierrors.ErrInvalidInstance.WithDev("instance id is not a UUID"))
				return
			}

			inst, svc, err := resolver.GetInstance(r.Context(), instanceID)
			if err != nil {
				response.Error(w, apierrors.ErrInternal.WithDevf("load instance: %v", err))
				return
			}
			if inst == nil || svc == nil {
				response.Error(w, apierrors.ErrInstanceNotFound)
				return
			}

			ok, reason := sig.VerifyInstance(r.Context(), svc, inst,
				r.Header.Get(HeaderTimestamp),
				r.Header.Get(HeaderNonce),
				r.Header.Get(HeaderSignature),
				r.Header.Get(HeaderKeyID),
				r.Method,
				r.URL.RequestURI(),
				body,
			)
			if !ok {
				IncrementAuthFailure(reason)
				response.Error(w, reasonToError(reason))
				return
			}

			ctx := context.WithValue(r.Context(), InstanceKey, inst)
			ctx = context.WithValue(ctx, ServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

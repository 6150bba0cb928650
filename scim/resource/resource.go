// Package resource implements the SCIM 2.0 User and Group resource surface
// (RFC 7644, spec.md §4.6): conversion to/from storage.User/storage.Role,
// weak-ETag optimistic concurrency, PATCH op application, and uniqueness
// conflict mapping. No teacher equivalent exists — dex has no provisioning
// API — so this package is new code, but it reuses the teacher's
// apierr/audit/metrics ambient stack and the storage.Storage CAS updaters
// built for the rest of the engine.
package resource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/ids"
	"github.com/authrim/authrim/internal/metrics"
	"github.com/authrim/authrim/storage"
)

// MaxPageSize is the implementation maximum for a list "count" parameter,
// per spec.md §4.6.
const MaxPageSize = 1000

// Service implements SCIM operations against storage.Storage.
type Service struct {
	Storage storage.Storage
	Audit   audit.Sink
}

// New returns a Service.
func New(s storage.Storage, a audit.Sink) *Service {
	return &Service{Storage: s, Audit: a}
}

// ListResponse is the SCIM list envelope (RFC 7644 §3.4.2).
type ListResponse struct {
	Schemas      []string      `json:"schemas"`
	TotalResults int           `json:"totalResults"`
	StartIndex   int           `json:"startIndex"`
	ItemsPerPage int           `json:"itemsPerPage"`
	Resources    []interface{} `json:"Resources"`
}

const listResponseSchema = "urn:ietf:params:scim:api:messages:2.0:ListResponse"

func newListResponse(startIndex, count int, total int, resources []interface{}) ListResponse {
	return ListResponse{
		Schemas:      []string{listResponseSchema},
		TotalResults: total,
		StartIndex:   startIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	}
}

// clampCount normalizes a requested page size against MaxPageSize.
func clampCount(count int) int {
	if count <= 0 || count > MaxPageSize {
		return MaxPageSize
	}
	return count
}

// ETag computes the weak ETag for a version string, per spec.md §4.6:
// W/"<stable_hash_of_resource>". version is storage's own per-row Version
// token (bumped on every mutation), hashed so the wire value never reveals
// its internal shape.
func ETag(version string) string {
	sum := sha256.Sum256([]byte(version))
	return `W/"` + hex.EncodeToString(sum[:])[:16] + `"`
}

// newVersion mints a fresh opaque version token for a just-created or
// just-mutated row.
func newVersion() string { return ids.New() }

// CheckIfMatch compares ifMatch (an ETag header value, possibly empty) with
// the resource's current version. An empty ifMatch always passes —
// unconditional requests are allowed.
func CheckIfMatch(ifMatch, currentVersion string) error {
	if ifMatch == "" {
		return nil
	}
	if ifMatch == ETag(currentVersion) {
		return nil
	}
	return apierr.Conflict(412, "invalidVers", "resource version does not match If-Match")
}

// CheckIfNoneMatch reports whether a GET should short-circuit with 304, per
// spec.md §4.6.
func CheckIfNoneMatch(ifNoneMatch, currentVersion string) bool {
	return ifNoneMatch != "" && ifNoneMatch == ETag(currentVersion)
}

// mapStorageError maps a storage-layer error to the SCIM error taxonomy. An
// *apierr.Error returned from an updater closure (a failed If-Match check,
// an invalid PATCH) is passed through unchanged.
func mapStorageError(err error) error {
	var e *apierr.Error
	if errors.As(err, &e) {
		return e
	}
	switch err {
	case storage.ErrNotFound:
		return apierr.NotFound("notFound", "resource not found")
	case storage.ErrUpdateConflict:
		return apierr.Conflict(409, "uniqueness", "a resource with this attribute already exists")
	default:
		return apierr.Internal(err)
	}
}

func (s *Service) emit(ctx context.Context, severity audit.Severity, kind audit.Kind, actor, target string, detail map[string]any) {
	if s.Audit == nil {
		return
	}
	s.Audit.Emit(ctx, audit.New(severity, kind, actor, target, detail))
}

func incMutation(resourceType, op string) {
	metrics.SCIMMutations.WithLabelValues(resourceType, op).Inc()
}

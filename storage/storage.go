// Package storage defines the durable, relational data model: clients,
// users, roles, and signing keys. Short-lived records (authorization codes,
// challenges, device codes, PAR requests, refresh-token families, revocation
// and DPoP-replay entries) are NOT modeled here — they live behind
// ephemeral.Store, keyed by their own identifier, with their own TTL.
//
// The interface and its UpdateX(id, func(old) (new, error)) shape are
// grounded on the teacher's storage/storage.go, which uses the same
// read-modify-write contract to let callers apply an update without the
// storage layer exposing row locks or transactions to the rest of the
// engine. Every mutation that must be atomic (signing-key rotation, role
// membership changes) goes through an UpdateX method instead of a
// Get-then-Set pair the caller assembles itself.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrUpdateConflict is returned by a CreateX call when the new row collides
// with an existing one (same id, or a unique attribute such as a username).
// UpdateX implementations do not return it: the memory backend runs the
// updater under its mutex, and the Postgres flavor retries a serialization
// failure until the transaction commits.
var ErrUpdateConflict = errors.New("storage: update conflict")

// ClientType distinguishes confidential clients (which hold a verifiable
// secret) from public clients (native/SPA apps that cannot).
type ClientType string

const (
	ClientConfidential ClientType = "confidential"
	ClientPublic       ClientType = "public"
)

// Client is a registered OAuth2/OIDC relying party.
type Client struct {
	ID     string
	Type   ClientType
	Name   string
	LogoURL string

	// SecretHash is the bcrypt hash of the client secret. Empty for public
	// clients.
	SecretHash string

	RedirectURIs []string
	GrantTypes   []string // authorization_code, refresh_token, client_credentials, urn:ietf:params:oauth:grant-type:device_code
	ResponseTypes []string

	RequirePKCE bool
	// RequireDPoP forces sender-constrained tokens for this client (FAPI-style).
	RequireDPoP bool
	// AllowClaimsWithoutScope lets this client's requests release a claim
	// named by the "claims" request parameter even when no covering scope
	// was granted (spec.md §3/§4.2).
	AllowClaimsWithoutScope bool

	AllowedScopes []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserStatus tracks SCIM's active/inactive lifecycle (spec.md §7 /
// RFC 7643 "active" attribute).
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserInactive UserStatus = "inactive"
)

// User holds core identity attributes plus the PII fields SCIM exposes.
// The split exists so callers needing only the core/authorization-relevant
// fields (subject, status, role assignments) are not forced to decode PII on
// every token mint; PII is a separate embedded struct for that reason.
type User struct {
	ID         string
	ExternalID string // SCIM externalId, e.g. an upstream connector's subject
	Status     UserStatus

	Core User_Core
	PII  User_PII

	Roles []string // role IDs

	Version   string // weak ETag source, bumped on every mutation
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User_Core holds identity attributes needed for authorization decisions.
type User_Core struct {
	Username          string
	PreferredUsername string
}

// User_PII holds attributes that are personally identifying and subject to
// stricter claim-release rules in the token engine.
type User_PII struct {
	Email         string
	EmailVerified bool
	GivenName     string
	FamilyName    string
	PhoneNumber   string
}

// Role is a SCIM-provisioned group/role used for claim release and
// authorization policy (spec.md §7).
type Role struct {
	ID          string
	Name        string
	Description string

	Version   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// KeyStatus is a signing key's position in the rotation state machine
// (spec.md §4.3): active signs new tokens, overlap still verifies existing
// ones, revoked neither signs nor verifies and is dropped from the ring at
// the next scheduled rotation.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyOverlap KeyStatus = "overlap"
	KeyRevoked KeyStatus = "revoked"
)

// SigningKey is one entry in the signing-key ring. PrivateJWK is cleared as
// soon as a key is demoted to overlap or revoked, and is never serialized
// into any HTTP response regardless of status.
type SigningKey struct {
	ID     string // kid
	Alg    string // e.g. RS256
	Status KeyStatus

	// PublicJWK and PrivateJWK are JSON-encoded JWKs (github.com/go-jose/go-jose/v4
	// marshaled form); kept as opaque bytes here so the storage layer never
	// needs to import the jose package.
	PublicJWK  []byte
	PrivateJWK []byte

	CreatedAt     time.Time
	OverlapUntil  time.Time
	RevokedAt     time.Time
	RevokedReason string
}

// Keys is the full signing-key ring, updated as a unit via UpdateKeys so the
// active/overlap/revoked invariant (exactly one active key) is always
// checked and written atomically.
type Keys struct {
	Keys         []SigningKey
	NextRotation time.Time
}

// ListOptions drives SCIM-style pagination and filtering at the storage
// boundary; the SCIM engine compiles its filter AST down to something the
// storage backend can apply (see scim/filter).
type ListOptions struct {
	StartIndex int // 1-based, per RFC 7644 §3.4.2
	Count      int
	Filter     string // raw SCIM filter expression, backend-specific compilation
}

// Storage is the durable relational store. Implementations: storage/sql
// (postgres/mysql/sqlite3 via database/sql) and storage/memory (tests and
// single-process development).
type Storage interface {
	Close() error
	Ping() error

	CreateClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, id string) (Client, error)
	ListClients(ctx context.Context) ([]Client, error)
	UpdateClient(ctx context.Context, id string, updater func(old Client) (Client, error)) error
	DeleteClient(ctx context.Context, id string) error

	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	ListUsers(ctx context.Context, opts ListOptions) ([]User, int, error)
	UpdateUser(ctx context.Context, id string, updater func(old User) (User, error)) error
	DeleteUser(ctx context.Context, id string) error

	CreateRole(ctx context.Context, r Role) error
	GetRole(ctx context.Context, id string) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context, opts ListOptions) ([]Role, int, error)
	UpdateRole(ctx context.Context, id string, updater func(old Role) (Role, error)) error
	DeleteRole(ctx context.Context, id string) error

	GetKeys(ctx context.Context) (Keys, error)
	UpdateKeys(ctx context.Context, updater func(old Keys) (Keys, error)) error

	// GarbageCollect removes any durable records that carry their own
	// expiry (none at present — reserved for future use, e.g. client
	// registration leases) and reports what it removed.
	GarbageCollect(ctx context.Context, now time.Time) (GCResult, error)
}

// GCResult reports how many rows of each kind a GarbageCollect pass removed.
type GCResult struct {
	ClientsRemoved int
}

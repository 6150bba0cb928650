// Package audit defines the structured audit events every security-relevant
// state transition emits, and the Sink interface that ships them somewhere
// durable. Sink implementations (a SIEM forwarder, a log file, a message
// queue) are an external collaborator — the core only ever calls Emit and
// never blocks on its result, matching the "audit queue full" best-effort
// recovery rule in the error-handling design.
package audit

import (
	"context"
	"time"
)

// Severity orders events for alerting thresholds.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind names the event being recorded.
type Kind string

const (
	KindCodeConsumed       Kind = "code_consumed"
	KindCodeReused         Kind = "code_reused"
	KindTokenMinted        Kind = "token_minted"
	KindTokenRevoked       Kind = "token_revoked"
	KindRefreshRotated     Kind = "refresh_rotated"
	KindRefreshFamilyKill  Kind = "refresh_family_killed"
	KindKeyRotated         Kind = "key_rotated"
	KindKeyEmergencyRotate Kind = "key_emergency_rotated"
	KindSCIMMutation       Kind = "scim_mutation"
	KindClientRegistered   Kind = "client_registered"
)

// Event is one structured audit record.
type Event struct {
	Severity Severity
	Kind     Kind
	Actor    string // client_id or admin subject that caused the transition
	Target   string // the resource affected (jti, code, kid, family_id, resource id)
	At       time.Time
	Detail   map[string]any
}

// Sink ships events to wherever a deployment wants them kept. Emit must not
// block the caller for long; a failing or slow Sink is logged and ignored
// by callers, never surfaced as a request error.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// Discard is a Sink that does nothing, used where no audit backend is
// configured (tests, local development).
type Discard struct{}

func (Discard) Emit(context.Context, Event) error { return nil }

// New builds an Event with At set to now.
func New(severity Severity, kind Kind, actor, target string, detail map[string]any) Event {
	return Event{
		Severity: severity,
		Kind:     kind,
		Actor:    actor,
		Target:   target,
		At:       time.Now().UTC(),
		Detail:   detail,
	}
}

// Package models - audit_event.go defines the AuditEvent model, a single entry in the
// hash-chained audit ledger capturing who did what to which resource, with optional
// before/after state snapshots and request provenance.
package models

import "time"

// AuditEvent is one committed entry of the append-only ledger. The ledger assigns
// Sequence, Timestamp, PreviousSignature, and Signature at commit time; everything
// else is caller-supplied. Once committed no field is ever modified and the row is
// never deleted — the database enforces this with a trigger and the repository
// exposes no mutating operations.
type AuditEvent struct {
	ID        string    `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	ActorRole string    `json:"actor_role,omitempty"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`

	// Before and After are opaque serialized snapshots of the affected resource.
	// Either may be nil (a create has no Before, a delete no After).
	Before []byte `json:"before,omitempty"`
	After  []byte `json:"after,omitempty"`

	// Request provenance. Empty means not recorded.
	IPAddress string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// PreviousSignature is the Signature of the event at Sequence-1, or the
	// genesis sentinel for the first event. Signature is SHA-256 over the
	// previous signature and the canonical encoding of all other fields.
	PreviousSignature string `json:"previous_signature"`
	Signature         string `json:"signature"`
}

// codec.go implements the canonical event encoding and signature computation.
// Every field is encoded with a presence byte and a uvarint length prefix in a
// fixed order, so two logically distinct events can never produce the same
// bytes and the same input always produces the same bytes across restarts
// and platforms.
package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

// GenesisSignature is the previous-signature sentinel of the first chain
// entry. It anchors verification: the event at sequence 0 must link to it.
const GenesisSignature = "sha256:genesis"

// encodingVersion is the first byte of every canonical encoding. Bumping it
// invalidates all existing signatures, so it only ever changes together with
// a full-chain re-sign migration.
const encodingVersion byte = 0x01

// Input is the caller-supplied portion of an audit event: everything except
// the fields the ledger assigns at commit time (id, sequence, timestamp,
// previous signature, signature).
type Input struct {
	Actor     string
	ActorRole string
	Action    string
	Resource  string
	Before    []byte
	After     []byte
	IPAddress string
	UserAgent string
}

// Limits bound the caller-controlled fields so a single append cannot grow
// storage without bound. Zero values fall back to the defaults.
type Limits struct {
	MaxActorBytes    int
	MaxActionBytes   int
	MaxResourceBytes int
	MaxSnapshotBytes int
}

// DefaultLimits returns the built-in field size limits.
func DefaultLimits() Limits {
	return Limits{
		MaxActorBytes:    256,
		MaxActionBytes:   256,
		MaxResourceBytes: 1024,
		MaxSnapshotBytes: 64 * 1024,
	}
}

// Codec canonicalizes audit events into deterministic byte sequences and
// computes chain signatures over them.
type Codec struct {
	limits Limits
}

// NewCodec returns a Codec enforcing the given limits, with zero-valued
// fields replaced by DefaultLimits.
func NewCodec(limits Limits) *Codec {
	def := DefaultLimits()
	if limits.MaxActorBytes <= 0 {
		limits.MaxActorBytes = def.MaxActorBytes
	}
	if limits.MaxActionBytes <= 0 {
		limits.MaxActionBytes = def.MaxActionBytes
	}
	if limits.MaxResourceBytes <= 0 {
		limits.MaxResourceBytes = def.MaxResourceBytes
	}
	if limits.MaxSnapshotBytes <= 0 {
		limits.MaxSnapshotBytes = def.MaxSnapshotBytes
	}
	return &Codec{limits: limits}
}

// Validate rejects empty required fields and fields exceeding the configured
// size limits.
func (c *Codec) Validate(in *Input) error {
	switch {
	case in.Actor == "":
		return &ValidationError{Field: "actor", Reason: "must not be empty"}
	case in.Action == "":
		return &ValidationError{Field: "action", Reason: "must not be empty"}
	case in.Resource == "":
		return &ValidationError{Field: "resource", Reason: "must not be empty"}
	case len(in.Actor) > c.limits.MaxActorBytes:
		return &ValidationError{Field: "actor", Reason: fmt.Sprintf("exceeds %d bytes", c.limits.MaxActorBytes)}
	case len(in.Action) > c.limits.MaxActionBytes:
		return &ValidationError{Field: "action", Reason: fmt.Sprintf("exceeds %d bytes", c.limits.MaxActionBytes)}
	case len(in.Resource) > c.limits.MaxResourceBytes:
		return &ValidationError{Field: "resource", Reason: fmt.Sprintf("exceeds %d bytes", c.limits.MaxResourceBytes)}
	case len(in.Before) > c.limits.MaxSnapshotBytes:
		return &ValidationError{Field: "before", Reason: fmt.Sprintf("exceeds %d bytes", c.limits.MaxSnapshotBytes)}
	case len(in.After) > c.limits.MaxSnapshotBytes:
		return &ValidationError{Field: "after", Reason: fmt.Sprintf("exceeds %d bytes", c.limits.MaxSnapshotBytes)}
	}
	return nil
}

// Encode produces the canonical byte encoding of the caller-supplied fields.
// Field order is fixed: actor, actor_role, action, resource, before, after,
// ip, user_agent.
func (c *Codec) Encode(in *Input) []byte {
	buf := make([]byte, 0, 64+len(in.Actor)+len(in.ActorRole)+len(in.Action)+
		len(in.Resource)+len(in.Before)+len(in.After)+len(in.IPAddress)+len(in.UserAgent))
	buf = append(buf, encodingVersion)
	buf = appendField(buf, []byte(in.Actor), true)
	buf = appendField(buf, []byte(in.ActorRole), in.ActorRole != "")
	buf = appendField(buf, []byte(in.Action), true)
	buf = appendField(buf, []byte(in.Resource), true)
	buf = appendField(buf, in.Before, in.Before != nil)
	buf = appendField(buf, in.After, in.After != nil)
	buf = appendField(buf, []byte(in.IPAddress), in.IPAddress != "")
	buf = appendField(buf, []byte(in.UserAgent), in.UserAgent != "")
	return buf
}

// appendField writes one field as a presence byte followed, when present, by
// a uvarint length prefix and the raw bytes. The explicit absence marker
// keeps "no snapshot" distinguishable from "empty snapshot".
func appendField(buf, b []byte, present bool) []byte {
	if !present {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// Signature computes the event signature:
//
//	SHA-256(previous_signature ‖ id ‖ sequence ‖ timestamp ‖ Encode(fields))
//
// Sequence and timestamp are included so reordering or re-dating a committed
// event is detectable. The timestamp contributes at microsecond precision,
// matching what the database round-trips.
func (c *Codec) Signature(previousSignature string, ev *models.AuditEvent) string {
	payload := make([]byte, 0, 128)
	payload = appendField(payload, []byte(previousSignature), true)
	payload = appendField(payload, []byte(ev.ID), true)
	payload = binary.BigEndian.AppendUint64(payload, uint64(ev.Sequence))
	payload = binary.BigEndian.AppendUint64(payload, uint64(ev.Timestamp.UTC().UnixMicro()))
	payload = append(payload, c.Encode(eventInput(ev))...)

	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// eventInput rebuilds the caller-supplied field set from a stored event so
// verification recomputes signatures from exactly what the database holds.
func eventInput(ev *models.AuditEvent) *Input {
	return &Input{
		Actor:     ev.Actor,
		ActorRole: ev.ActorRole,
		Action:    ev.Action,
		Resource:  ev.Resource,
		Before:    ev.Before,
		After:     ev.After,
		IPAddress: ev.IPAddress,
		UserAgent: ev.UserAgent,
	}
}

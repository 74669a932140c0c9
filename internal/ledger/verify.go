// verify.go implements chain verification by replay: events are streamed in
// ascending sequence order and each one's link, signature, and sequence are
// rechecked against the stored bytes.
package ledger

import (
	"context"
	"fmt"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

// Failure reasons reported in VerificationResult. Integrity failures are
// data, not errors: Verify only returns a non-nil error when storage itself
// cannot be read.
const (
	ReasonBrokenLink   = "previous_signature does not match prior event signature"
	ReasonBadSignature = "stored signature does not match recomputed signature"
	ReasonSequenceGap  = "sequence is not contiguous with prior event"
)

// Range optionally bounds a verification run. Nil bounds mean the full chain;
// To is inclusive.
type Range struct {
	From *int64
	To   *int64
}

// VerificationResult reports the outcome of a chain replay. On failure,
// FailureSequence identifies the first diverging event so forensic follow-up
// does not require exposing nearby event contents.
type VerificationResult struct {
	IsValid         bool   `json:"is_valid"`
	VerifiedCount   int64  `json:"verified_count"`
	FailureSequence *int64 `json:"failure_sequence,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
}

// Verifier replays the chain from durable storage. It is read-only and never
// takes the append lock, so verification and appends run concurrently; the
// tip of a chain being appended to may lag behind and is simply not yet
// claimed verified.
type Verifier struct {
	store     EventStore
	codec     *Codec
	batchSize int
}

// NewVerifier returns a Verifier streaming events in fixed-size batches.
func NewVerifier(store EventStore, codec *Codec) *Verifier {
	return &Verifier{store: store, codec: codec, batchSize: 500}
}

// Verify replays the chain over rng (default: the full chain), recomputing
// every signature. It stops at the first divergence. A ranged run anchors its
// expected previous signature on the event immediately before the range.
func (v *Verifier) Verify(ctx context.Context, rng Range) (*VerificationResult, error) {
	start := int64(0)
	if rng.From != nil && *rng.From > 0 {
		start = *rng.From
	}

	expectedPrev := GenesisSignature
	if start > 0 {
		anchor, err := v.store.GetBySequence(ctx, start-1)
		if err != nil {
			return nil, err
		}
		if anchor == nil {
			return nil, fmt.Errorf("cannot anchor verification: no event at sequence %d", start-1)
		}
		expectedPrev = anchor.Signature
	}

	res := &VerificationResult{IsValid: true}
	next := start

	for {
		if rng.To != nil && next > *rng.To {
			return res, nil
		}

		limit := v.batchSize
		if rng.To != nil {
			if remaining := *rng.To - next + 1; remaining < int64(limit) {
				limit = int(remaining)
			}
		}

		batch, err := v.store.ListRange(ctx, next, limit)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return res, nil
		}

		for _, ev := range batch {
			if reason := v.checkEvent(ev, next, expectedPrev); reason != "" {
				seq := ev.Sequence
				res.IsValid = false
				res.FailureSequence = &seq
				res.FailureReason = reason
				return res, nil
			}
			res.VerifiedCount++
			expectedPrev = ev.Signature
			next = ev.Sequence + 1
		}

		if len(batch) < limit {
			return res, nil
		}
	}
}

// checkEvent validates a single event against the running chain state and
// returns the failure reason, or "" when the event is sound.
func (v *Verifier) checkEvent(ev *models.AuditEvent, expectedSeq int64, expectedPrev string) string {
	if ev.Sequence != expectedSeq {
		return ReasonSequenceGap
	}
	if ev.PreviousSignature != expectedPrev {
		return ReasonBrokenLink
	}
	if v.codec.Signature(ev.PreviousSignature, ev) != ev.Signature {
		return ReasonBadSignature
	}
	return ""
}

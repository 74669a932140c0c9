// errors.go defines the error taxonomy of the ledger core. Chain integrity
// failures are deliberately absent: Verify reports them as data in a
// VerificationResult, never as an error.
package ledger

import "fmt"

// ValidationError reports malformed or oversized caller input. It is the
// caller's fault and must not be retried unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AppendFailure reports that the durable storage write failed. The chain tip
// was not advanced, so retrying the same logical append is safe.
type AppendFailure struct {
	Err error
}

func (e *AppendFailure) Error() string {
	return fmt.Sprintf("append failed: %v", e.Err)
}

func (e *AppendFailure) Unwrap() error {
	return e.Err
}

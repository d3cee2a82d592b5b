// File: internal/receiving/errors.go
package receiving

import (
	"errors"
	"fmt"

	"github.com/quayside/rfdriver/internal/resilience"
)

// TransientUIFailure marks a strategy or timeout miss. Retried.
type TransientUIFailure struct {
	Op  string
	Err error
}

func (e *TransientUIFailure) Error() string {
	return fmt.Sprintf("transient UI failure during %s: %v", e.Op, e.Err)
}

func (e *TransientUIFailure) Unwrap() error { return e.Err }

// VerificationFailure marks an action that appeared to execute without any
// detectable state change. Retried as transient.
type VerificationFailure struct {
	Op     string
	Region string
}

func (e *VerificationFailure) Error() string {
	return fmt.Sprintf("no state change detected in %q after %s", e.Region, e.Op)
}

// TargetRejected marks an input the application itself refused. Not retried;
// routed to error recovery.
type TargetRejected struct {
	Op     string
	Detail string
}

func (e *TargetRejected) Error() string {
	return fmt.Sprintf("target rejected %s: %s", e.Op, e.Detail)
}

// PreconditionFailure marks an unmet workflow precondition, e.g. warehouse
// selection never verifying. Fatal; aborts the transaction.
type PreconditionFailure struct {
	Op  string
	Err error
}

func (e *PreconditionFailure) Error() string {
	return fmt.Sprintf("precondition %s failed: %v", e.Op, e.Err)
}

func (e *PreconditionFailure) Unwrap() error { return e.Err }

// classifyFailure maps the taxonomy onto the retry loop: rejections,
// precondition failures, and acknowledged warnings (which re-drive the whole
// step, not this attempt) are permanent; everything else transient.
func classifyFailure(err error) resilience.Class {
	var rejected *TargetRejected
	var precondition *PreconditionFailure
	if errors.As(err, &rejected) || errors.As(err, &precondition) {
		return resilience.Permanent
	}
	if errors.Is(err, errWarningAcknowledged) {
		return resilience.Permanent
	}
	return resilience.Transient
}

package archive

import (
	"errors"
	"fmt"
)

// PolicyError rejects an operation without corrupting state: frozen suite,
// disallowed upload kind, version regression, missing permission. At the
// upload boundary it always becomes a reject notification with its Reason.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return e.Reason }

// Policyf builds a PolicyError.
func Policyf(format string, args ...any) error {
	return &PolicyError{Reason: fmt.Sprintf(format, args...)}
}

// IsPolicy reports whether err is a policy rejection.
func IsPolicy(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}

// IntegrityError reports a data problem: checksum mismatch, missing
// override, missing source for a binary. Uploads treat it like a policy
// rejection; maintenance callers must surface it, never skip it silently.
type IntegrityError struct {
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Integrityf builds an IntegrityError.
func Integrityf(format string, args ...any) error {
	return &IntegrityError{Reason: fmt.Sprintf(format, args...)}
}

// IsIntegrity reports whether err is an integrity failure.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsRejection reports whether err should reject an upload rather than crash
// the pipeline: policy and integrity failures qualify, system errors do not.
func IsRejection(err error) bool {
	return IsPolicy(err) || IsIntegrity(err)
}

package interfaces

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable classification of a pipeline failure.
type ErrorKind string

const (
	// KindTransientProvider marks provider network/timeout failures that are
	// retried with backoff.
	KindTransientProvider ErrorKind = "transient_provider"

	// KindPermanentProvider marks provider auth/validation failures that are
	// surfaced immediately.
	KindPermanentProvider ErrorKind = "permanent_provider"

	// KindProvisioningTimeout marks an exhausted waitUntilRunning poll loop.
	// The created instance is left running and flagged for reconciliation.
	KindProvisioningTimeout ErrorKind = "provisioning_timeout"

	// KindCredentialSeal marks a failure to generate or seal a secret.
	KindCredentialSeal ErrorKind = "credential_seal"

	// KindDecryption marks an authenticated-decryption failure. Never retried.
	KindDecryption ErrorKind = "decryption"

	KindRemoteConnection   ErrorKind = "remote_connection"
	KindRemoteAuth         ErrorKind = "remote_auth"
	KindPrivilegeElevation ErrorKind = "privilege_elevation"
	KindFileOperation      ErrorKind = "file_operation"
	KindRemoteExecution    ErrorKind = "remote_execution"

	// KindJobTimeout marks a background job exceeding its overall bound.
	KindJobTimeout ErrorKind = "job_timeout"

	// KindTemplateNotFound marks a missing bootstrap script template.
	KindTemplateNotFound ErrorKind = "template_not_found"
)

// PipelineError is a component failure wrapped with enough context to
// diagnose without re-running: its kind, the stage it failed at, and the
// instance/record it concerned.
type PipelineError struct {
	Kind       ErrorKind
	Stage      string
	InstanceID string
	RecordID   RecordID
	Err        error
}

// Error renders the failure with its context fields.
func (e *PipelineError) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg += " at " + e.Stage
	}
	if e.InstanceID != "" {
		msg += fmt.Sprintf(" (instance %s)", e.InstanceID)
	}
	if e.RecordID != "" {
		msg += fmt.Sprintf(" (record %s)", e.RecordID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError wraps err with a kind and stage context.
func NewPipelineError(kind ErrorKind, stage string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Err: err}
}

// KindOf extracts the error kind, or empty string for unclassified errors.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether err may be resolved by retrying. Connection
// and timeout classes are transient; auth, validation, crypto and execution
// failures are not.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransientProvider, KindRemoteConnection:
		return true
	default:
		return false
	}
}

package types

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotConfigured = errors.New("provider not configured or not enabled")
	ErrSyncAlreadyRunning    = errors.New("sync already running for company/provider")
	ErrRunCancelled          = errors.New("cancelled")
	ErrRunAlreadyFinalized   = errors.New("sync run already finalized")
	ErrNotFound              = errors.New("not found")
)

type UpstreamErrorKind string

const (
	UpstreamAuth       UpstreamErrorKind = "auth"
	UpstreamTransient  UpstreamErrorKind = "transient"
	UpstreamValidation UpstreamErrorKind = "validation"
)

// UpstreamError classifies a failure reported by (or while talking to) a
// directory provider. Only UpstreamTransient is eligible for retry.
type UpstreamError struct {
	Kind     UpstreamErrorKind
	Provider Provider
	Op       string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream %s error (%s): %v", e.Provider, e.Kind, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func NewUpstreamAuthError(p Provider, op string, err error) error {
	return &UpstreamError{Kind: UpstreamAuth, Provider: p, Op: op, Err: err}
}

func NewUpstreamTransientError(p Provider, op string, err error) error {
	return &UpstreamError{Kind: UpstreamTransient, Provider: p, Op: op, Err: err}
}

func NewUpstreamValidationError(p Provider, op string, err error) error {
	return &UpstreamError{Kind: UpstreamValidation, Provider: p, Op: op, Err: err}
}

func upstreamKind(err error) UpstreamErrorKind {
	if e, ok := errors.AsType[*UpstreamError](err); ok && e != nil {
		return e.Kind
	}
	return ""
}

func IsUpstreamAuth(err error) bool       { return upstreamKind(err) == UpstreamAuth }
func IsUpstreamTransient(err error) bool  { return upstreamKind(err) == UpstreamTransient }
func IsUpstreamValidation(err error) bool { return upstreamKind(err) == UpstreamValidation }

// TreeIntegrityError records a department whose requested parent would break
// the tree; the node is attached to the synthetic root instead.
type TreeIntegrityError struct {
	ExternalID       string
	ParentExternalID string
	Reason           string
}

func (e *TreeIntegrityError) Error() string {
	return fmt.Sprintf("tree integrity: department %s parent %q: %s", e.ExternalID, e.ParentExternalID, e.Reason)
}

func IsTreeIntegrity(err error) bool {
	_, ok := errors.AsType[*TreeIntegrityError](err)
	return ok
}

type DownstreamRoleAssignmentError struct {
	Err error
}

func (e *DownstreamRoleAssignmentError) Error() string {
	return "role assignment: " + e.Err.Error()
}

func (e *DownstreamRoleAssignmentError) Unwrap() error { return e.Err }

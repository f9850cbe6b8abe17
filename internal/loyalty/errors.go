package loyalty

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentity marks a failed authentication attempt.
	ErrIdentity = errors.New("loyalty: identity error")
	// ErrSubscription marks a live subscription that failed and terminated.
	ErrSubscription = errors.New("loyalty: subscription error")
	// ErrRead marks a failed point read.
	ErrRead = errors.New("loyalty: read error")
	// ErrWrite marks a failed create, update or merge write. The caller may retry the action.
	ErrWrite = errors.New("loyalty: write error")
	// ErrPartialLedgerWrite marks a ledger adjustment whose private write landed but whose
	// public write failed. It is also an ErrWrite.
	ErrPartialLedgerWrite = fmt.Errorf("%w: partial ledger write", ErrWrite)
	// ErrNotAdmin indicates the acting identity lacks the admin flag.
	ErrNotAdmin = errors.New("loyalty: admin role required")
	// ErrUnknownTarget indicates the adjustment target is not in the held roster.
	ErrUnknownTarget = errors.New("loyalty: unknown roster target")

	errMissingStore    = errors.New("loyalty: document store is required")
	errMissingProvider = errors.New("loyalty: identity provider is required")
	errSessionClosed   = errors.New("loyalty: session closed")
)

const (
	opServiceNew      = "loyalty.service.new"
	opProfileWatch    = "loyalty.profile.watch"
	opProfileEnsure   = "loyalty.profile.ensure"
	opProfileSetAdmin = "loyalty.profile.set_admin"
	opMirrorSync      = "loyalty.mirror.sync"
	opMirrorReconcile = "loyalty.mirror.reconcile"
	opLedgerAdjust    = "loyalty.ledger.adjust"
	opRosterWatch     = "loyalty.roster.watch"
	opRosterList      = "loyalty.roster.list"
	opSessionSignIn   = "loyalty.session.sign_in"
	opSessionSignOut  = "loyalty.session.sign_out"
	opSessionAdjust   = "loyalty.session.adjust"
)

// ServiceError carries a dotted code (<operation>.<reason>), a kind sentinel and the cause.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	switch {
	case e.err == nil && e.kind == nil:
		return e.code
	case e.err == nil:
		return fmt.Sprintf("%s: %v", e.code, e.kind)
	default:
		return fmt.Sprintf("%s: %v", e.code, e.err)
	}
}

func (e *ServiceError) Unwrap() []error {
	wrapped := make([]error, 0, 2)
	if e.kind != nil {
		wrapped = append(wrapped, e.kind)
	}
	if e.err != nil {
		wrapped = append(wrapped, e.err)
	}
	return wrapped
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, kind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

// ErrorCode returns the dotted code of a ServiceError in err's chain, or "".
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

// Retryable reports whether err came from a write the user may re-attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrWrite)
}

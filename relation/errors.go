package relation

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies every outcome of an operation for callers.
type Code string

const (
	CodeOK                 Code = "ok"
	CodeUnauthenticated    Code = "unauthenticated"
	CodeInvalidArgument    Code = "invalid_argument"
	CodeNotFound           Code = "not_found"
	CodePermissionDenied   Code = "permission_denied"
	CodeFailedPrecondition Code = "failed_precondition"
	CodeAlreadyExists      Code = "already_exists"
	CodeResourceExhausted  Code = "resource_exhausted"
	CodeInternal           Code = "internal"
)

// Reason is the stable, UI-branchable cause of a rejection.
type Reason string

const (
	ReasonNotPending      Reason = "not-pending"
	ReasonNotAccepted     Reason = "not-accepted"
	ReasonNotBlocked      Reason = "not-blocked"
	ReasonNotAuthorized   Reason = "not-authorized"
	ReasonNotFound        Reason = "not-found"
	ReasonAlreadyPending  Reason = "already-pending"
	ReasonAlreadyFriends  Reason = "already-friends"
	ReasonSelfTarget      Reason = "self-target"
	ReasonBlocked         Reason = "blocked"
	ReasonInvalidArgument Reason = "invalid-argument"
	ReasonUnauthenticated Reason = "unauthenticated"
)

// Rejection is a precondition failure decided by the state machine or by
// argument validation. It is returned, never retried.
type Rejection struct {
	Code   Code
	Reason Reason
	// RelationshipKey is set when the rejection refers to an existing
	// relationship the caller may act on (already-pending, already-friends).
	RelationshipKey string
}

func (r *Rejection) Error() string {
	if r.RelationshipKey != "" {
		return fmt.Sprintf("relation: %s (%s) on %s", r.Code, r.Reason, r.RelationshipKey)
	}
	return fmt.Sprintf("relation: %s (%s)", r.Code, r.Reason)
}

func reject(code Code, reason Reason, key string) *Rejection {
	return &Rejection{Code: code, Reason: reason, RelationshipKey: key}
}

// AsRejection extracts a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// CodeOf maps any error returned by this package to its Code. Store failures,
// exhausted retries and timeouts are all Internal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if r, ok := AsRejection(err); ok {
		return r.Code
	}
	return CodeInternal
}

// ReasonOf returns the rejection reason of err, or "" for non-rejections.
func ReasonOf(err error) Reason {
	if r, ok := AsRejection(err); ok {
		return r.Reason
	}
	return ""
}

func internal(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("relation: %s timed out: %w", op, err)
	}
	return fmt.Errorf("relation: %s: %w", op, err)
}

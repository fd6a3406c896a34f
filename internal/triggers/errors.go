package triggers

import (
	"errors"
	"fmt"
)

// Kind classifies command failures so callers can branch on them.
type Kind string

const (
	KindInvalidArgument  Kind = "invalid-argument"
	KindUnauthenticated  Kind = "unauthenticated"
	KindPermissionDenied Kind = "permission-denied"
	KindNotFound         Kind = "not-found"
	KindInternal         Kind = "internal"
)

// CommandError is returned by caller-invoked commands.
type CommandError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CommandError) Unwrap() error { return e.Err }

func newCommandError(kind Kind, msg string, err error) *CommandError {
	return &CommandError{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the Kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

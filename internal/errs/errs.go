// Package errs provides the structured error type shared across conductor.
// Every failure surfaced by the core carries a Kind so callers can branch on
// the category without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Op describes an operation, usually as "package.function".
type Op string

// Kind categorizes a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient marks failures worth retrying: busy control socket,
	// momentary lock contention.
	KindTransient
	// KindPermanent marks failures that will not succeed on retry: invalid
	// path, malformed name.
	KindPermanent
	// KindConflict marks resource collisions: worktree path or branch
	// already exists.
	KindConflict
	// KindTimeout marks an external invocation that exceeded its deadline.
	KindTimeout
	// KindNotFound marks a referenced session or handle that no longer
	// exists.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient failure"
	case KindPermanent:
		return "permanent failure"
	case KindConflict:
		return "resource conflict"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not found"
	default:
		return "unknown error"
	}
}

// Error is the structured error type.
type Error struct {
	Op      Op
	Kind    Kind
	Err     error
	Context string
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Context, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an Error from its arguments: Op, Kind, a context string, and an
// underlying error, in any order.
func E(args ...any) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	return e
}

// KindOf walks the chain and returns the first Kind found, or KindUnknown.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if errors.As(err, &e) {
			if e.Kind != KindUnknown {
				return e.Kind
			}
			err = e.Err
			continue
		}
		return KindUnknown
	}
	return KindUnknown
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

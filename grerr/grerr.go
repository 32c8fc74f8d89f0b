// Package grerr defines the error taxonomy shared by pool, vector, trie and
// blob: every fallible operation in those packages returns an error whose
// Kind can be inspected with Is, or it panics for Internal invariant
// violations.
package grerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why an operation failed.
type Kind uint8

const (
	// Logic covers bad arguments, oversize keys, out-of-range ids.
	Logic Kind = iota
	// Format covers a persistent header that is corrupt or mismatched.
	Format
	// ResourceExhausted covers running out of blocks, nodes, entries or
	// key-buffer space. The caller may defrag and retry.
	ResourceExhausted
	// IO covers a propagated failure from the mapping provider.
	IO
	// Internal covers an invariant violation detected during traversal.
	// Errors of this kind are never returned; Fatal panics with one
	// directly, this value exists only so a recovered panic can still be
	// classified by callers that choose to recover() at a boundary.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Logic:
		return "logic error"
	case Format:
		return "format error"
	case ResourceExhausted:
		return "resource exhausted"
	case IO:
		return "io error"
	case Internal:
		return "internal error"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type returned by this module's packages.
type Error struct {
	Kind Kind
	Op   string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// Is reports whether err (or something it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}

// New builds a new *Error of the given kind, rooted at op, with a
// pkg/errors stack trace attached to the message.
func New(k Kind, op, format string, args ...any) error {
	return &Error{Kind: k, Op: op, err: errors.Errorf(format, args...)}
}

// Wrap attaches op/kind context to an underlying error (e.g. one surfaced
// by the mapping provider) while preserving it for errors.Is/As/Unwrap.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, err: errors.WithStack(err)}
}

// Fatal panics: an invariant violation detected during traversal is always
// fatal, never a returned error.
func Fatal(op, format string, args ...any) {
	panic(&Error{Kind: Internal, Op: op, err: errors.Errorf(format, args...)})
}

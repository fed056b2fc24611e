package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies depot errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindTooLarge
	KindConflict
	KindNotFound
	KindStorage
	KindInconsistent
)

// Error wraps an underlying error with additional metadata. Ref carries
// whichever identifier the operation was working with (record id,
// fingerprint, or storage reference).
type Error struct {
	Kind Kind
	Op   string
	Ref  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Ref != "" {
		base += " " + e.Ref
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// String returns the human-readable name of the kind.
func (k Kind) String() string { return kindString(k) }

func kindString(kind Kind) string {
	switch kind {
	case KindTooLarge:
		return "payload too large"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not found"
	case KindStorage:
		return "storage failure"
	case KindInconsistent:
		return "storage inconsistency"
	default:
		return "invalid input"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, ref string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Ref: ref, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, ref string) error {
	return &Error{Kind: kind, Op: op, Ref: ref}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
// Unclassified errors degrade to KindStorage: anything a storage backend
// surfaces without a depot classification is an I/O fault, never a
// business outcome.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrExist),
		errors.Is(err, os.ErrExist):
		return KindConflict
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindStorage
	}
}

// IsNotFound reports whether err classifies as KindNotFound.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsConflict reports whether err classifies as KindConflict.
func IsConflict(err error) bool {
	return err != nil && KindOf(err) == KindConflict
}

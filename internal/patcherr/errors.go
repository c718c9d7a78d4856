// Package patcherr defines the failure taxonomy shared by the matcher, diff,
// recipe and engine packages.
package patcherr

import (
	"errors"
	"fmt"
)

// Kind classifies a patch failure.
type Kind string

const (
	KindShapeMismatch      Kind = "ShapeMismatch"
	KindPatternNotFound    Kind = "PatternNotFound"
	KindBaseMismatch       Kind = "BaseMismatch"
	KindSizeTooSmall       Kind = "SizeTooSmall"
	KindSizeTooLarge       Kind = "SizeTooLarge"
	KindNoCompatibleRecipe Kind = "NoCompatibleRecipe"
	KindInvalidRecipe      Kind = "InvalidRecipe"
	KindOutOfRange         Kind = "OutOfRange"
	KindCorruptArtifact    Kind = "CorruptArtifact"
)

var (
	ErrShapeMismatch      = errors.New("replacement length differs from matched length")
	ErrPatternNotFound    = errors.New("expected hits not met")
	ErrBaseMismatch       = errors.New("image does not match artifact base")
	ErrSizeTooSmall       = errors.New("image smaller than recipe minimum")
	ErrSizeTooLarge       = errors.New("image larger than recipe maximum")
	ErrNoCompatibleRecipe = errors.New("no compatible recipe or artifact")
	ErrInvalidRecipe      = errors.New("invalid recipe")
	ErrOutOfRange         = errors.New("write outside image bounds")
	ErrCorruptArtifact    = errors.New("artifact output does not match recorded target")
)

var sentinels = map[Kind]error{
	KindShapeMismatch:      ErrShapeMismatch,
	KindPatternNotFound:    ErrPatternNotFound,
	KindBaseMismatch:       ErrBaseMismatch,
	KindSizeTooSmall:       ErrSizeTooSmall,
	KindSizeTooLarge:       ErrSizeTooLarge,
	KindNoCompatibleRecipe: ErrNoCompatibleRecipe,
	KindInvalidRecipe:      ErrInvalidRecipe,
	KindOutOfRange:         ErrOutOfRange,
	KindCorruptArtifact:    ErrCorruptArtifact,
}

// Error is a typed patch failure. Op names the operation that failed, for
// example "op[2] find_hex" or "guard".
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

// New builds an Error of the given kind with a formatted detail message.
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around cause.
func Wrap(kind Kind, op string, cause error) *Error {
	e := &Error{Kind: kind, Op: op, Err: cause}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " at " + e.Op
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return ""
}

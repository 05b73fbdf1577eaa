// Package failure classifies the errors that reach the top of the program so a
// single handler can decide what to tell the user and which exit status to use.
package failure

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindParse
	KindDevice
	KindFrameRead
	KindInference
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindParse:
		return "parse"
	case KindDevice:
		return "device"
	case KindFrameRead:
		return "frame_read"
	case KindInference:
		return "inference"
	case KindWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Error is an error tagged with its Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with kind and op. A nil err still produces an error so callers
// can report conditions that have no underlying cause.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Recoverable reports whether the program may carry on after err.
// Only the webcam conditions qualify.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindDevice, KindFrameRead:
		return true
	}
	return false
}

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	if err == nil || Recoverable(err) {
		return 0
	}
	switch KindOf(err) {
	case KindConfig:
		return 2
	case KindParse:
		return 3
	case KindInference:
		return 4
	case KindWrite:
		return 5
	}
	return 1
}

// Package errs defines the directory's error taxonomy (spec §7) and maps
// it onto the wire's 32-bit error code, backed by github.com/cockroachdb/errors
// so every failure in the system carries a stack trace and is comparable
// with errors.Is/As instead of the ad hoc fmt.Errorf chains the rest of the
// pack tends to reach for.
package errs

import (
	"github.com/cockroachdb/errors"
)

// Kind is one of the taxonomy entries from spec §7.
type Kind int

const (
	// KindNone is the zero value; never produced by New.
	KindNone Kind = iota
	InvalidArgument
	PermissionDenied
	AccessDenied
	NotFound
	NoSuchDevice
	NotImplemented
	IOError
	LoopDetected
	Unreachable
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case PermissionDenied:
		return "PermissionDenied"
	case AccessDenied:
		return "AccessDenied"
	case NotFound:
		return "NotFound"
	case NoSuchDevice:
		return "NoSuchDevice"
	case NotImplemented:
		return "NotImplemented"
	case IOError:
		return "IOError"
	case LoopDetected:
		return "LoopDetected"
	case Unreachable:
		return "Unreachable"
	case Unavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}

// WireCode is the 32-bit code carried in a reply frame (spec §6: "replies
// carry a 32-bit error code"). 0 always means success.
type WireCode uint32

const (
	codeOK WireCode = 0
)

var kindToWire = map[Kind]WireCode{
	InvalidArgument:  1,
	PermissionDenied: 2,
	AccessDenied:     3,
	NotFound:         4,
	NoSuchDevice:     5,
	NotImplemented:   6,
	IOError:          7,
	LoopDetected:     8,
	Unreachable:      9,
	Unavailable:      10,
}

var wireToKind = func() map[WireCode]Kind {
	m := make(map[WireCode]Kind, len(kindToWire))
	for k, v := range kindToWire {
		m[v] = k
	}
	return m
}()

// directoryError is the concrete error type produced by New/Wrap. It
// carries the taxonomy Kind alongside whatever cockroachdb/errors gives us
// (stack trace, safe-detail redaction, wrapping).
type directoryError struct {
	kind  Kind
	cause error
}

func (e *directoryError) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.cause.Error()
}

func (e *directoryError) Unwrap() error { return e.cause }

// New creates a fresh error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return &directoryError{kind: kind, cause: errors.Newf(format, args...)}
}

// Wrap attaches a taxonomy Kind to an existing error, preserving its chain.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &directoryError{kind: kind, cause: errors.Wrap(cause, msg)}
}

// KindOf extracts the taxonomy Kind from err, defaulting to Unavailable
// for errors that didn't originate in this package (the transient/retry
// kind is the safest default per spec §7's "stale authority" guidance).
func KindOf(err error) Kind {
	var de *directoryError
	if errors.As(err, &de) {
		return de.kind
	}
	if err == nil {
		return KindNone
	}
	return Unavailable
}

// ToWire maps err onto the wire error code for a reply frame.
func ToWire(err error) WireCode {
	if err == nil {
		return codeOK
	}
	if code, ok := kindToWire[KindOf(err)]; ok {
		return code
	}
	return kindToWire[Unavailable]
}

// FromWire reconstructs an error from a wire code received in a reply.
// A zero code yields a nil error.
func FromWire(code WireCode, detail string) error {
	if code == codeOK {
		return nil
	}
	kind, ok := wireToKind[code]
	if !ok {
		kind = Unavailable
	}
	if detail == "" {
		return New(kind, "%s", kind.String())
	}
	return New(kind, "%s", detail)
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

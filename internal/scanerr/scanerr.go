// Package scanerr defines the error taxonomy shared by every scanner backend.
//
// Each backend translates its native failures (HTTP status codes, SANE status
// words, TWAIN return/condition codes) into a Kind at its own boundary, so code
// above the backends only ever inspects Kinds.
package scanerr

import (
	"errors"
	"fmt"
)

// Kind classifies a scanner failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindProtocol
	KindCapabilityMismatch
	KindDeviceBusy
	KindDeviceOffline
	KindScanTimeout
	KindDiscoveryValidationFailed
	KindBindingUnavailable
	KindCanceled
	KindFeederEmpty
)

var kindNames = map[Kind]string{
	KindUnknown:                   "unknown",
	KindTransport:                 "transport",
	KindProtocol:                  "protocol",
	KindCapabilityMismatch:        "capability mismatch",
	KindDeviceBusy:                "device busy",
	KindDeviceOffline:             "device offline",
	KindScanTimeout:               "scan timeout",
	KindDiscoveryValidationFailed: "discovery validation failed",
	KindBindingUnavailable:        "binding unavailable",
	KindCanceled:                  "canceled",
	KindFeederEmpty:               "feeder empty",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels usable with errors.Is.
var (
	ErrTransport                 = &Error{Kind: KindTransport}
	ErrProtocol                  = &Error{Kind: KindProtocol}
	ErrCapabilityMismatch        = &Error{Kind: KindCapabilityMismatch}
	ErrDeviceBusy                = &Error{Kind: KindDeviceBusy}
	ErrDeviceOffline             = &Error{Kind: KindDeviceOffline}
	ErrScanTimeout               = &Error{Kind: KindScanTimeout}
	ErrDiscoveryValidationFailed = &Error{Kind: KindDiscoveryValidationFailed}
	ErrBindingUnavailable        = &Error{Kind: KindBindingUnavailable}
	ErrCanceled                  = &Error{Kind: KindCanceled}
	ErrFeederEmpty               = &Error{Kind: KindFeederEmpty}
)

// Error is a classified scanner error.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "escl.create_job"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the package sentinels work
// with errors.Is regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns a classified error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

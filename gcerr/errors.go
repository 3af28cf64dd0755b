package gcerr

import (
	"errors"
	"fmt"
)

// Kind classifies a GC failure. Callers branch on the kind, not on the
// message text.
type Kind int

const (
	// Memory exhaustion.
	KindOutOfMemory Kind = iota
	KindResourceExhausted

	// Invalid input.
	KindInvalidArgument
	KindInvalidPointer
	KindBoundsCheck
	KindAlignment

	// Concurrency failures.
	KindLockPoisoned
	KindConcurrentModification
	KindAtomicUpdateFailed
	KindStarvation
	KindTimeout

	// GC phase failures.
	KindMarkingFailed
	KindRelocationFailed
	KindForwardingTable
	KindGCCycleFailed

	// Subsystem failures.
	KindTLAB
	KindVirtualMemory
	KindNUMA
	KindConfiguration
	KindInvalidState

	// Invariant violations.
	KindInternal
)

var kindNames = map[Kind]string{
	KindOutOfMemory:            "out of memory",
	KindResourceExhausted:      "resource exhausted",
	KindInvalidArgument:        "invalid argument",
	KindInvalidPointer:         "invalid pointer",
	KindBoundsCheck:            "bounds check failed",
	KindAlignment:              "alignment error",
	KindLockPoisoned:           "lock poisoned",
	KindConcurrentModification: "concurrent modification",
	KindAtomicUpdateFailed:     "atomic update failed",
	KindStarvation:             "starved",
	KindTimeout:                "timeout",
	KindMarkingFailed:          "marking failed",
	KindRelocationFailed:       "relocation failed",
	KindForwardingTable:        "forwarding table error",
	KindGCCycleFailed:          "gc cycle failed",
	KindTLAB:                   "tlab error",
	KindVirtualMemory:          "virtual memory error",
	KindNUMA:                   "numa error",
	KindConfiguration:          "configuration error",
	KindInvalidState:           "invalid state",
	KindInternal:               "internal error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error carries a kind plus context. Compare with errors.Is against the
// kind sentinel returned by k.Sentinel(), or unwrap with As.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("gc: %s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("gc: %s: %s", e.Kind, e.Msg)
	default:
		return fmt.Sprintf("gc: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, New(kind, "")) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New builds a kinded error with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(k Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Kind sentinels for errors.Is comparisons.
var (
	ErrOutOfMemory            = &Error{Kind: KindOutOfMemory}
	ErrResourceExhausted      = &Error{Kind: KindResourceExhausted}
	ErrInvalidArgument        = &Error{Kind: KindInvalidArgument}
	ErrInvalidPointer         = &Error{Kind: KindInvalidPointer}
	ErrBoundsCheck            = &Error{Kind: KindBoundsCheck}
	ErrAlignment              = &Error{Kind: KindAlignment}
	ErrLockPoisoned           = &Error{Kind: KindLockPoisoned}
	ErrConcurrentModification = &Error{Kind: KindConcurrentModification}
	ErrAtomicUpdateFailed     = &Error{Kind: KindAtomicUpdateFailed}
	ErrStarvation             = &Error{Kind: KindStarvation}
	ErrTimeout                = &Error{Kind: KindTimeout}
	ErrMarkingFailed          = &Error{Kind: KindMarkingFailed}
	ErrRelocationFailed       = &Error{Kind: KindRelocationFailed}
	ErrForwardingTable        = &Error{Kind: KindForwardingTable}
	ErrGCCycleFailed          = &Error{Kind: KindGCCycleFailed}
	ErrTLAB                   = &Error{Kind: KindTLAB}
	ErrVirtualMemory          = &Error{Kind: KindVirtualMemory}
	ErrNUMA                   = &Error{Kind: KindNUMA}
	ErrConfiguration          = &Error{Kind: KindConfiguration}
	ErrInvalidState           = &Error{Kind: KindInvalidState}
	ErrInternal               = &Error{Kind: KindInternal}
)

// KindOf extracts the kind from err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Recoverable reports whether the caller may retry, typically after
// triggering a collection.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindOutOfMemory, KindTimeout, KindResourceExhausted, KindStarvation:
		return true
	}
	return false
}

// Bug reports whether the error indicates a defect rather than an
// environmental condition. These are logged loudly, never swallowed.
func Bug(err error) bool {
	switch KindOf(err) {
	case KindInvalidState, KindBoundsCheck, KindInternal, KindLockPoisoned:
		return true
	}
	return false
}

// OutOfMemory reports an allocation shortfall with exact numbers.
func OutOfMemory(requested, available uint64) *Error {
	return New(KindOutOfMemory, "requested %d bytes, available %d bytes", requested, available)
}

// Misaligned reports an address that violates an alignment contract.
func Misaligned(address uintptr, alignment uintptr) *Error {
	return New(KindAlignment, "address %#x is not aligned to %d bytes", address, alignment)
}

// OutOfBounds reports an index past the end of a collection.
func OutOfBounds(index, length uint64) *Error {
	return New(KindBoundsCheck, "index %d out of bounds for length %d", index, length)
}

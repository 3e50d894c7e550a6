package uerrors

import (
	"errors"
	"fmt"
)

// Kind is a closed enum of the error kinds every Ubik operation can
// return. Callers branch on Kind, never on error string contents.
type Kind int

const (
	// OK is never wrapped in an Error; it exists so Kind has a defined
	// zero value distinct from a real failure.
	OK Kind = iota
	UIOERROR
	UNOENT
	UNOMEM
	UBADTYPE
	UTWOENDS
	USYNC
	UNOTSYNC
	UNOQUORUM
	UDEADLOCK
	UBADLOCK
	UBADHOST
	UBADVERSION
	UDONE
	UBADLOG
	UINTERNAL
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case UIOERROR:
		return "UIOERROR"
	case UNOENT:
		return "UNOENT"
	case UNOMEM:
		return "UNOMEM"
	case UBADTYPE:
		return "UBADTYPE"
	case UTWOENDS:
		return "UTWOENDS"
	case USYNC:
		return "USYNC"
	case UNOTSYNC:
		return "UNOTSYNC"
	case UNOQUORUM:
		return "UNOQUORUM"
	case UDEADLOCK:
		return "UDEADLOCK"
	case UBADLOCK:
		return "UBADLOCK"
	case UBADHOST:
		return "UBADHOST"
	case UBADVERSION:
		return "UBADVERSION"
	case UDONE:
		return "UDONE"
	case UBADLOG:
		return "UBADLOG"
	case UINTERNAL:
		return "UINTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error pairs a Kind with a human-readable message and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying kind, message and the given cause. If
// cause is nil, Wrap returns nil so callers can write
// `return uerrors.Wrap(UIOERROR, "...", err)` unconditionally.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind carried by err, walking Unwrap chains. It
// returns UINTERNAL for any error that was never classified — this
// repository treats an unclassified error as an invariant violation.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return UINTERNAL
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

package engram

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of error categories from spec §7.
type ErrorKind int

const (
	FormatError ErrorKind = iota
	TruncatedError
	PathError
	UnsupportedVersion
	UnsupportedCompression
	IntegrityError
	DecompressionError
	EncryptionError
	DecryptionFailed
	SignatureError
	StateError
	IoError
	ResourceExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case FormatError:
		return "FormatError"
	case TruncatedError:
		return "TruncatedError"
	case PathError:
		return "PathError"
	case UnsupportedVersion:
		return "UnsupportedVersion"
	case UnsupportedCompression:
		return "UnsupportedCompression"
	case IntegrityError:
		return "IntegrityError"
	case DecompressionError:
		return "DecompressionError"
	case EncryptionError:
		return "EncryptionError"
	case DecryptionFailed:
		return "DecryptionFailed"
	case SignatureError:
		return "SignatureError"
	case StateError:
		return "StateError"
	case IoError:
		return "IoError"
	case ResourceExceeded:
		return "ResourceExceeded"
	default:
		return "ErrorKind(?)"
	}
}

// Error is Engram's error type, modeled directly on the standard library's
// *fs.PathError (which the teacher itself constructs in
// internal/spinner.errWithPath): a small struct carrying the operation, the
// entry path where applicable, a closed-set Kind for programmatic
// dispatch via errors.Is/[Error.Is], and a wrapped underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string // e.g. "open", "read", "finalize"
	Path string // entry path, empty for archive-wide errors
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("engram: %s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("engram: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, engram.DecryptionFailed) style checks are not available
// directly on the Kind constants; callers compare via [AsKind] or
// errors.As into *Error and inspect Kind. Is is provided so that two
// *Error values representing the same kind of failure compare equal under
// errors.Is regardless of their wrapped cause or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// AsKind extracts the ErrorKind from err if it (or something it wraps) is
// an *Error, returning ok=false otherwise.
func AsKind(err error) (kind ErrorKind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

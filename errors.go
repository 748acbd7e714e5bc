package durastash

import "fmt"

// Kind identifies the taxonomy of a durastash error.
type Kind int

const (
	// KindUnknown is the zero value; never returned by this package.
	KindUnknown Kind = iota
	KindStorageInit
	KindSessionInit
	KindBatchNotFound
	KindBatchAlreadyLoaded
	KindCorruptedBatch
	KindSessionTimeout
	KindTransientIO
)

func (k Kind) String() string {
	switch k {
	case KindStorageInit:
		return "StorageInit"
	case KindSessionInit:
		return "SessionInit"
	case KindBatchNotFound:
		return "BatchNotFound"
	case KindBatchAlreadyLoaded:
		return "BatchAlreadyLoaded"
	case KindCorruptedBatch:
		return "CorruptedBatch"
	case KindSessionTimeout:
		return "SessionTimeout"
	case KindTransientIO:
		return "TransientIO"
	default:
		return "Unknown"
	}
}

// Error is the sum type every durastash operation returns in place of a
// language-level exception. Kind is stable and suitable for errors.Is-style
// branching; Cause carries the wrapped underlying failure, if any.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("durastash: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("durastash: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Kind, so callers can
// write errors.Is(err, &durastash.Error{Kind: durastash.KindBatchNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

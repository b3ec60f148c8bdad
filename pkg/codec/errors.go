package codec

import "fmt"

// ErrorKind classifies encoder failures so callers can react without
// inspecting error text.
type ErrorKind int

const (
	// KindUnknown covers failures with no more specific class.
	KindUnknown ErrorKind = iota
	// KindHardwareInit means a hardware encoder failed to initialize.
	// Callers retry once with AccelSoftware before giving up.
	KindHardwareInit
	// KindResourceExhausted means an allocation failed inside the
	// encoder. A flush hitting this is retried once after a reclamation
	// pass.
	KindResourceExhausted
	// KindTimestampOverflow means the container/encoder timestamp range
	// was exceeded. Fatal for the recording, but the file written so far
	// is kept.
	KindTimestampOverflow
	// KindInvalidInput means the submitted frame was malformed.
	KindInvalidInput
)

func (k ErrorKind) String() string {
	switch k {
	case KindHardwareInit:
		return "hardware-init"
	case KindResourceExhausted:
		return "resource-exhausted"
	case KindTimestampOverflow:
		return "timestamp-overflow"
	case KindInvalidInput:
		return "invalid-input"
	default:
		return "unknown"
	}
}

// Error is a classified encoder error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("codec: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified encoder error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from err, or KindUnknown when err
// is not a codec error.
func KindOf(err error) ErrorKind {
	var ce *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			ce = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if ce == nil {
		return KindUnknown
	}
	return ce.Kind
}

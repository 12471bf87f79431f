package wire

// Status represents a response status code. A non-success status doubles
// as the fault code of the response.
type Status uint8

const (
	// StatusSuccess indicates the operation completed successfully.
	StatusSuccess Status = 0

	// StatusActionNotFound indicates the named action is not registered.
	StatusActionNotFound Status = 1

	// StatusInvalidArguments indicates an argument arity or type mismatch.
	StatusInvalidArguments Status = 2

	// StatusInternalError indicates the handler failed or timed out.
	StatusInternalError Status = 3

	// StatusTooManySubscriptions indicates the per-device subscription
	// limit is reached.
	StatusTooManySubscriptions Status = 4

	// StatusNotFound indicates the referenced subscription doesn't exist.
	StatusNotFound Status = 5

	// StatusAuthenticationFailed indicates the secure envelope failed to
	// verify or decrypt.
	StatusAuthenticationFailed Status = 6

	// StatusReplay indicates a key offset was reused too recently.
	StatusReplay Status = 7

	// StatusMalformed indicates the request body could not be decoded.
	StatusMalformed Status = 8
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusActionNotFound:
		return "ACTION_NOT_FOUND"
	case StatusInvalidArguments:
		return "INVALID_ARGUMENTS"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusTooManySubscriptions:
		return "TOO_MANY_SUBSCRIPTIONS"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusAuthenticationFailed:
		return "AUTHENTICATION_FAILED"
	case StatusReplay:
		return "REPLAY"
	case StatusMalformed:
		return "MALFORMED"
	default:
		return "UNKNOWN"
	}
}

// IsSuccess returns true if the status indicates success.
func (s Status) IsSuccess() bool {
	return s == StatusSuccess
}

// IsError returns true if the status indicates a fault.
func (s Status) IsError() bool {
	return s != StatusSuccess
}

// Fault is the caller-facing view of a failed response: the status code
// and the human-readable description that travelled with it.
type Fault struct {
	Code        Status
	Description string
}

// Error implements the error interface so callers can propagate a fault
// directly.
func (f *Fault) Error() string {
	if f.Description == "" {
		return f.Code.String()
	}
	return f.Code.String() + ": " + f.Description
}

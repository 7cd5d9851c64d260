package protocol

// ErrorCode is the error taxonomy every public operation reports from.
// It implements error so codes can flow through the usual
// %w-wrapping plumbing; NoError exists only so zero values are meaningful
// and is never returned as an error.
type ErrorCode uint8

const (
	NoError ErrorCode = iota
	ErrTimeout
	ErrIO
	ErrInvalidState
	ErrAuthentication
	ErrBandwidthExceeded
	ErrInsufficientStorage
	ErrNotImplemented
	ErrProtocol
	ErrMissingMessageID
	ErrSessionDiscarded
)

func (e ErrorCode) String() string {
	switch e {
	case NoError:
		return "NO_ERROR"
	case ErrTimeout:
		return "TIMEOUT"
	case ErrIO:
		return "IO_ERROR"
	case ErrInvalidState:
		return "INVALID_STATE"
	case ErrAuthentication:
		return "AUTHENTICATION_ERROR"
	case ErrBandwidthExceeded:
		return "BANDWIDTH_EXCEEDED"
	case ErrInsufficientStorage:
		return "INSUFFICIENT_STORAGE"
	case ErrNotImplemented:
		return "NOT_IMPLEMENTED"
	case ErrProtocol:
		return "PROTOCOL_ERROR"
	case ErrMissingMessageID:
		return "MISSING_MESSAGE_ID"
	case ErrSessionDiscarded:
		return "SESSION_DISCARDED"
	default:
		return "UNKNOWN"
	}
}

func (e ErrorCode) Error() string {
	return "protocol: " + e.String()
}

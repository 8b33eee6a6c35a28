package transport

import "codeberg.org/mutker/acmeprobe/internal/errors"

const (
	// Connection errors
	ErrConnection = errors.ErrorCode("transport_connection_failed")
	ErrClosed     = errors.ErrorCode("transport_closed")

	// Attribute errors
	ErrUnsupportedParameter = errors.ErrorCode("transport_unsupported_parameter")
	ErrUnknownAttribute     = errors.ErrorCode("transport_unknown_attribute")

	// Streaming errors
	ErrFault          = errors.ErrorCode("transport_fault")
	ErrDevice         = errors.ErrorCode("transport_device_error")
	ErrUnknownChannel = errors.ErrorCode("transport_unknown_channel")
)

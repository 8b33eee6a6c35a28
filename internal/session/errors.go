package session

import "codeberg.org/mutker/acmeprobe/internal/errors"

const (
	// Model errors
	ErrUnknownChannel   = errors.ErrorCode("session_unknown_channel")
	ErrDuplicateChannel = errors.ErrorCode("session_duplicate_channel")
	ErrOutOfOrder       = errors.ErrorCode("session_out_of_order_sample")

	// Storage errors
	ErrStorageInit   = errors.ErrorCode("session_storage_init_failed")
	ErrStorageAccess = errors.ErrorCode("session_storage_access_failed")
	ErrStorageClose  = errors.ErrorCode("session_storage_close_failed")

	// Load errors
	ErrMalformedCaptureFile = errors.ErrorCode("malformed_capture_file")
)

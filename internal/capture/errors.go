package capture

import "codeberg.org/mutker/acmeprobe/internal/errors"

const (
	ErrInvalidState   = errors.ErrorCode("capture_invalid_state")
	ErrNoChannels     = errors.ErrorCode("capture_no_enabled_channels")
	ErrUnknownChannel = errors.ErrorCode("capture_unknown_channel")
	ErrNotConfigured  = errors.ErrorCode("capture_not_configured")
)

package compute

import "codeberg.org/mutker/acmeprobe/internal/errors"

const (
	ErrUncalibratedChannel  = errors.ErrorCode("uncalibrated_channel")
	ErrMissingVbat          = errors.ErrorCode("compute_missing_vbat")
	ErrConflictingOverrides = errors.ErrorCode("compute_conflicting_overrides")
)

package calibration

import "codeberg.org/mutker/acmeprobe/internal/errors"

const (
	ErrUnsupportedParameter = errors.ErrorCode("unsupported_parameter")
	ErrCalibrationAmbiguous = errors.ErrorCode("calibration_ambiguous")
	ErrScaleMismatch        = errors.ErrorCode("scale_mismatch")
	ErrNegotiationFailed    = errors.ErrorCode("calibration_negotiation_failed")
)

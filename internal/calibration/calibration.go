// Package calibration negotiates capture parameters with the probe and
// derives per-channel shunt and scale calibration before acquisition starts.
// All calibration errors are resolved (or explicitly overridden) before the
// capture loop enters Running; none appear mid-capture.
package calibration

import (
	"fmt"
	"strconv"
	"strings"

	"codeberg.org/mutker/acmeprobe/internal/errors"
	"codeberg.org/mutker/acmeprobe/internal/logger"
	"codeberg.org/mutker/acmeprobe/internal/transport"
)

const (
	DefaultIntegrationTime = "0.000588"
	DefaultOversampling    = 1

	// ExpectedVshuntScale is the scale a correctly flashed probe reports on
	// the Vshunt channel. Anything else points at a file-system version
	// problem on the probe and makes measurements suspect.
	ExpectedVshuntScale = 0.0025

	// maxSamplingHz is the experimental sampling ceiling imposed by the
	// probe's I2C link.
	maxSamplingHz = 800.0

	minBufferSize = 64

	// Plausibility bounds for an auto-detected shunt, in milliohms.
	minShuntMilliOhms = 1.0
	maxShuntMilliOhms = 100000.0
)

// EffectiveParams are the device parameters actually in effect after
// negotiation.
type EffectiveParams struct {
	IntegrationTime string
	Oversampling    int
}

// SamplingPlan is the read-loop geometry derived from the device sampling
// frequency: the achievable per-channel rate and a batch size holding about
// half a second of samples.
type SamplingPlan struct {
	FrequencyHz float64
	BatchSize   int
}

// ShuntResult is the outcome of shunt detection for one channel.
type ShuntResult struct {
	MilliOhms  float64
	Detected   bool
	Overridden bool
}

// ScaleResult is the outcome of Vshunt scale validation. Warning is set when
// a mismatch was overridden rather than fixed.
type ScaleResult struct {
	Scale   float64
	Forced  bool
	Warning string
}

// Unit performs parameter negotiation and per-channel calibration against a
// transport adapter.
type Unit struct {
	adapter transport.Adapter
}

func NewUnit(adapter transport.Adapter) *Unit {
	return &Unit{adapter: adapter}
}

// ListAcceptedIntegrationTimes returns the discrete set of integration times
// the probe accepts.
func (u *Unit) ListAcceptedIntegrationTimes() ([]string, error) {
	errFactory := errors.New()

	raw, err := u.adapter.GetAttribute(transport.AttrIntegrationTimeAvailable)
	if err != nil {
		return nil, errFactory.Wrap(ErrNegotiationFailed, err)
	}
	accepted := strings.Fields(raw)
	if len(accepted) == 0 {
		return nil, errFactory.WithMessage(ErrNegotiationFailed,
			"probe reported no accepted integration times")
	}
	return accepted, nil
}

// Negotiate validates the requested integration time against the probe's
// accepted set and applies it together with the oversampling ratio. Empty
// and zero values select the defaults. A rejected integration time reports
// the accepted set in the error payload.
func (u *Unit) Negotiate(requested string, oversampling int) (EffectiveParams, error) {
	errFactory := errors.New()

	accepted, err := u.ListAcceptedIntegrationTimes()
	if err != nil {
		return EffectiveParams{}, err
	}

	if requested == "" {
		requested = DefaultIntegrationTime
	}
	if !contains(accepted, requested) {
		return EffectiveParams{}, errFactory.WithData(ErrUnsupportedParameter, struct {
			Parameter string
			Requested string
			Accepted  []string
		}{transport.AttrIntegrationTime, requested, accepted})
	}

	if oversampling <= 0 {
		oversampling = DefaultOversampling
	}

	if err := u.adapter.SetAttribute(transport.AttrOversamplingRatio, strconv.Itoa(oversampling)); err != nil {
		return EffectiveParams{}, errFactory.Wrap(ErrNegotiationFailed, err)
	}
	// Enforce synchronous reads so batches arrive in device order.
	if err := u.adapter.SetAttribute(transport.AttrAllowAsyncReadout, "0"); err != nil {
		return EffectiveParams{}, errFactory.Wrap(ErrNegotiationFailed, err)
	}
	if err := u.adapter.SetAttribute(transport.AttrIntegrationTime, requested); err != nil {
		return EffectiveParams{}, errFactory.Wrap(ErrNegotiationFailed, err)
	}

	logger.Debug().
		Str("integration_time", requested).
		Int("oversampling", oversampling).
		Msg("Negotiated capture parameters")

	return EffectiveParams{
		IntegrationTime: requested,
		Oversampling:    oversampling,
	}, nil
}

// Plan derives the sampling plan for a capture over the given number of
// channels, clipping the device rate to the I2C ceiling.
func (u *Unit) Plan(channels int) (SamplingPlan, error) {
	errFactory := errors.New()

	if channels < 1 {
		channels = 1
	}

	raw, err := u.adapter.GetAttribute(transport.AttrSamplingFrequency)
	if err != nil {
		return SamplingPlan{}, errFactory.Wrap(ErrNegotiationFailed, err)
	}
	deviceHz, err := strconv.ParseFloat(raw, 64)
	if err != nil || deviceHz <= 0 {
		return SamplingPlan{}, errFactory.WithData(ErrNegotiationFailed, struct {
			Attribute string
			Value     string
		}{transport.AttrSamplingFrequency, raw})
	}

	hz := deviceHz
	if hz > maxSamplingHz {
		hz = maxSamplingHz
	}
	hz /= float64(channels)

	// Size batches to hold roughly half a second of samples.
	batch := int(hz / 2)
	if batch < minBufferSize {
		batch = minBufferSize
	}

	logger.Debug().
		Float64("device_hz", deviceHz).
		Float64("effective_hz", hz).
		Int("batch_size", batch).
		Msg("Derived sampling plan")

	return SamplingPlan{FrequencyHz: hz, BatchSize: batch}, nil
}

// DetectShunt reads the channel's shunt resistor attribute and converts it
// to milliohms. A positive override wins over detection and suppresses
// ambiguity. An unreadable or implausible value leaves the channel
// uncalibrated with ErrCalibrationAmbiguous, naming the override that
// resolves it.
func (u *Unit) DetectShunt(channel int, overrideMilliOhms float64) (ShuntResult, error) {
	errFactory := errors.New()

	if overrideMilliOhms > 0 {
		logger.Debug().
			Int("channel", channel).
			Float64("shunt_mohms", overrideMilliOhms).
			Msg("Using shunt override")
		return ShuntResult{MilliOhms: overrideMilliOhms, Overridden: true}, nil
	}

	raw, err := u.adapter.GetAttribute(transport.ShuntResistorAttr(channel))
	if err != nil {
		return ShuntResult{}, errFactory.WithData(ErrCalibrationAmbiguous, struct {
			Channel  int
			Reason   string
			Override string
		}{channel, "shunt resistor attribute unavailable", "--shunts"})
	}

	micro, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return ShuntResult{}, errFactory.WithData(ErrCalibrationAmbiguous, struct {
			Channel  int
			Reason   string
			Override string
		}{channel, fmt.Sprintf("unparseable shunt resistor value %q", raw), "--shunts"})
	}

	milliOhms := float64(micro) / 1000
	if milliOhms < minShuntMilliOhms || milliOhms > maxShuntMilliOhms {
		return ShuntResult{}, errFactory.WithData(ErrCalibrationAmbiguous, struct {
			Channel   int
			MilliOhms float64
			Override  string
		}{channel, milliOhms, "--shunts"})
	}

	logger.Debug().
		Int("channel", channel).
		Float64("shunt_mohms", milliOhms).
		Msg("Detected shunt value")

	return ShuntResult{MilliOhms: milliOhms, Detected: true}, nil
}

// ValidateScale checks the channel's Vshunt scale against the expected value.
// A mismatch fails fast with ErrScaleMismatch unless force is set, in which
// case the result carries a warning annotation. A positive forced value
// replaces the device scale outright.
func (u *Unit) ValidateScale(channel int, forced float64, force bool) (ScaleResult, error) {
	errFactory := errors.New()

	scale := 1.0
	if raw, err := u.adapter.GetAttribute(transport.VshuntScaleAttr(channel)); err == nil {
		if parsed, perr := strconv.ParseFloat(raw, 64); perr == nil && parsed > 0 {
			scale = parsed
		}
	}

	if forced > 0 {
		logger.Info().
			Int("channel", channel).
			Float64("scale", forced).
			Msg("Forcing Vshunt scale")
		return ScaleResult{Scale: forced, Forced: true}, nil
	}

	if scale != ExpectedVshuntScale {
		if !force {
			return ScaleResult{}, errFactory.WithData(ErrScaleMismatch, struct {
				Channel  int
				Found    float64
				Expected float64
				Override string
			}{channel, scale, ExpectedVshuntScale, "--force-vshunt-scale"})
		}
		warning := fmt.Sprintf("suspicious Vshunt scale %g (expected %g); measurements may be wrong",
			scale, ExpectedVshuntScale)
		logger.Warn().Int("channel", channel).Msg(warning)
		return ScaleResult{Scale: scale, Forced: true, Warning: warning}, nil
	}

	return ScaleResult{Scale: scale}, nil
}

// VbatScale reads the channel's Vbat scale, defaulting to 1.0 when the probe
// does not expose one.
func (u *Unit) VbatScale(channel int) float64 {
	raw, err := u.adapter.GetAttribute(transport.VbatScaleAttr(channel))
	if err != nil {
		return 1.0
	}
	scale, err := strconv.ParseFloat(raw, 64)
	if err != nil || scale <= 0 {
		return 1.0
	}
	return scale
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

package calibration_test

import (
	"testing"

	"codeberg.org/mutker/acmeprobe/internal/calibration"
	"codeberg.org/mutker/acmeprobe/internal/errors"
	"codeberg.org/mutker/acmeprobe/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListAcceptedIntegrationTimes(t *testing.T) {
	unit := calibration.NewUnit(transport.NewSim(transport.SimConfig{}))

	accepted, err := unit.ListAcceptedIntegrationTimes()
	require.NoError(t, err)
	assert.NotEmpty(t, accepted)
	assert.Contains(t, accepted, calibration.DefaultIntegrationTime)
}

func TestNegotiateDefaults(t *testing.T) {
	sim := transport.NewSim(transport.SimConfig{})
	unit := calibration.NewUnit(sim)

	params, err := unit.Negotiate("", 0)
	require.NoError(t, err)
	assert.Equal(t, calibration.DefaultIntegrationTime, params.IntegrationTime)
	assert.Equal(t, calibration.DefaultOversampling, params.Oversampling)

	// Async readout must be disabled so batches arrive in device order.
	async, err := sim.GetAttribute(transport.AttrAllowAsyncReadout)
	require.NoError(t, err)
	assert.Equal(t, "0", async)
}

func TestNegotiateAppliesRequested(t *testing.T) {
	sim := transport.NewSim(transport.SimConfig{})
	unit := calibration.NewUnit(sim)

	params, err := unit.Negotiate("0.001100", 4)
	require.NoError(t, err)
	assert.Equal(t, "0.001100", params.IntegrationTime)
	assert.Equal(t, 4, params.Oversampling)

	applied, err := sim.GetAttribute(transport.AttrIntegrationTime)
	require.NoError(t, err)
	assert.Equal(t, "0.001100", applied)
}

func TestNegotiateRejectedIntegrationTime(t *testing.T) {
	unit := calibration.NewUnit(transport.NewSim(transport.SimConfig{}))

	_, err := unit.Negotiate("0.999", 1)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, calibration.ErrUnsupportedParameter))

	// The error payload must name the accepted values, not just reject.
	var appErr errors.Error
	require.True(t, errors.As(err, &appErr))
	data, ok := appErr.GetData().(struct {
		Parameter string
		Requested string
		Accepted  []string
	})
	require.True(t, ok)
	assert.Equal(t, "0.999", data.Requested)
	assert.Contains(t, data.Accepted, calibration.DefaultIntegrationTime)
}

func TestPlanSplitsRateAcrossChannels(t *testing.T) {
	unit := calibration.NewUnit(transport.NewSim(transport.SimConfig{SamplingHz: 800}))

	plan, err := unit.Plan(4)
	require.NoError(t, err)
	assert.InDelta(t, 200.0, plan.FrequencyHz, 1e-9)
	assert.Equal(t, 100, plan.BatchSize)
}

func TestPlanClipsToCeiling(t *testing.T) {
	unit := calibration.NewUnit(transport.NewSim(transport.SimConfig{SamplingHz: 5000}))

	plan, err := unit.Plan(1)
	require.NoError(t, err)
	assert.InDelta(t, 800.0, plan.FrequencyHz, 1e-9)
}

func TestPlanMinimumBatchSize(t *testing.T) {
	unit := calibration.NewUnit(transport.NewSim(transport.SimConfig{SamplingHz: 800}))

	plan, err := unit.Plan(8)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, plan.FrequencyHz, 1e-9)
	assert.Equal(t, 64, plan.BatchSize, "batch size should not drop below the floor")
}

func TestDetectShunt(t *testing.T) {
	unit := calibration.NewUnit(transport.NewSim(transport.SimConfig{
		Channels:       1,
		ShuntMicroOhms: []int64{50000},
	}))

	result, err := unit.DetectShunt(0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, result.MilliOhms, 1e-9)
	assert.True(t, result.Detected)
	assert.False(t, result.Overridden)
}

func TestDetectShuntOverrideWins(t *testing.T) {
	unit := calibration.NewUnit(transport.NewSim(transport.SimConfig{
		Channels:       1,
		ShuntMicroOhms: []int64{50000},
	}))

	result, err := unit.DetectShunt(0, 250)
	require.NoError(t, err)
	assert.InDelta(t, 250.0, result.MilliOhms, 1e-9)
	assert.True(t, result.Overridden)
	assert.False(t, result.Detected)
}

func TestDetectShuntAmbiguous(t *testing.T) {
	// A negative configured value leaves the shunt attribute unset.
	unit := calibration.NewUnit(transport.NewSim(transport.SimConfig{
		Channels:       1,
		ShuntMicroOhms: []int64{-1},
	}))

	_, err := unit.DetectShunt(0, 0)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, calibration.ErrCalibrationAmbiguous))
	assert.Contains(t, err.Error(), "--shunts", "error should name the resolving override")
}

func TestValidateScale(t *testing.T) {
	unit := calibration.NewUnit(transport.NewSim(transport.SimConfig{Channels: 1}))

	result, err := unit.ValidateScale(0, 0, false)
	require.NoError(t, err)
	assert.InDelta(t, calibration.ExpectedVshuntScale, result.Scale, 1e-12)
	assert.False(t, result.Forced)
}

func TestValidateScaleMismatchFailsFast(t *testing.T) {
	unit := calibration.NewUnit(transport.NewSim(transport.SimConfig{
		Channels:    1,
		VshuntScale: 0.005,
	}))

	_, err := unit.ValidateScale(0, 0, false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, calibration.ErrScaleMismatch))
	assert.Contains(t, err.Error(), "--force-vshunt-scale")
}

func TestValidateScaleMismatchForced(t *testing.T) {
	unit := calibration.NewUnit(transport.NewSim(transport.SimConfig{
		Channels:    1,
		VshuntScale: 0.005,
	}))

	result, err := unit.ValidateScale(0, 0, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.005, result.Scale, 1e-12)
	assert.NotEmpty(t, result.Warning, "overriding a mismatch must carry a warning")
}

func TestValidateScaleForcedValue(t *testing.T) {
	unit := calibration.NewUnit(transport.NewSim(transport.SimConfig{
		Channels:    1,
		VshuntScale: 0.005,
	}))

	result, err := unit.ValidateScale(0, 0.0025, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.0025, result.Scale, 1e-12)
	assert.True(t, result.Forced)
}

func TestVbatScale(t *testing.T) {
	unit := calibration.NewUnit(transport.NewSim(transport.SimConfig{
		Channels:  1,
		VbatScale: 0.001,
	}))

	assert.InDelta(t, 0.001, unit.VbatScale(0), 1e-12)
	assert.InDelta(t, 1.0, unit.VbatScale(9), 1e-12, "missing attribute defaults to 1.0")
}

package compute_test

import (
	"testing"

	"codeberg.org/mutker/acmeprobe/internal/compute"
	"codeberg.org/mutker/acmeprobe/internal/errors"
	"codeberg.org/mutker/acmeprobe/internal/session"
	"codeberg.org/mutker/acmeprobe/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func calibratedChannel() session.Channel {
	return session.Channel{
		Index:          0,
		ShuntMilliOhms: 100,
		VshuntScale:    0.0025,
		VbatScale:      0.001,
		Enabled:        true,
		Calibrated:     true,
	}
}

func TestOnePower(t *testing.T) {
	// 20 raw counts at scale 0.0025 is 0.050 V across a 100 mOhm shunt with
	// Vbat at 4.0 V: 4.0 * 0.050 / 0.1 = 2.0 W.
	raw := transport.RawSample{
		Timestamp: 2_000_000_000,
		Vshunt:    20,
		Vbat:      4000,
		HasVbat:   true,
	}

	d, err := compute.One(raw, calibratedChannel(), compute.Overrides{}, 1_000_000_000)
	require.NoError(t, err)

	assert.True(t, d.HasPower)
	assert.InDelta(t, 2.0, d.Power, 1e-12)
	assert.InDelta(t, 0.050, d.Vshunt, 1e-12)
	assert.InDelta(t, 4.0, d.Vbat, 1e-12)
	assert.InDelta(t, 1000.0, d.TimeMs, 1e-9, "1s after epoch is 1000ms relative time")
}

func TestOneIshuntOnly(t *testing.T) {
	raw := transport.RawSample{Timestamp: 1_000_000_000, Vshunt: 8}

	// Works even on an uncalibrated channel; no shunt value is needed.
	ch := session.Channel{Index: 0, VshuntScale: 0.0025, Enabled: true}

	d, err := compute.One(raw, ch, compute.Overrides{IshuntOnly: true}, 1_000_000_000)
	require.NoError(t, err)

	assert.False(t, d.HasPower)
	assert.InDelta(t, 0.020, d.Vshunt, 1e-12)
	assert.Zero(t, d.Power)
	assert.Zero(t, d.Vbat)
}

func TestOneForcedVbat(t *testing.T) {
	raw := transport.RawSample{
		Timestamp: 0,
		Vshunt:    20,
		Vbat:      3700,
		HasVbat:   true,
	}

	ov := compute.Overrides{ForceVbat: true, ForcedVbat: 5.0}
	d, err := compute.One(raw, calibratedChannel(), ov, 0)
	require.NoError(t, err)

	// The forced value replaces the measured one in the formula.
	assert.InDelta(t, 5.0, d.Vbat, 1e-12)
	assert.InDelta(t, 2.5, d.Power, 1e-12)
}

func TestOneUncalibrated(t *testing.T) {
	raw := transport.RawSample{Timestamp: 0, Vshunt: 20, Vbat: 4000, HasVbat: true}
	ch := session.Channel{Index: 3, VshuntScale: 0.0025, Enabled: true}

	_, err := compute.One(raw, ch, compute.Overrides{}, 0)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, compute.ErrUncalibratedChannel))
	assert.Contains(t, err.Error(), "--shunts")
}

func TestOneMissingVbat(t *testing.T) {
	raw := transport.RawSample{Timestamp: 0, Vshunt: 20}

	_, err := compute.One(raw, calibratedChannel(), compute.Overrides{}, 0)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, compute.ErrMissingVbat))
	assert.Contains(t, err.Error(), "--vbat")
}

func TestValidateConflictingOverrides(t *testing.T) {
	ov := compute.Overrides{ForceVbat: true, ForcedVbat: 3.7, IshuntOnly: true}

	err := ov.Validate()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, compute.ErrConflictingOverrides))
}

func TestNormalizeTime(t *testing.T) {
	epoch := int64(5_000_000_000)
	ts := epoch + 1_500_000 // 1.5ms after epoch

	assert.InDelta(t, 1.5, compute.NormalizeTime(ts, epoch, compute.Overrides{}), 1e-9)
	assert.InDelta(t, 5001.5, compute.NormalizeTime(ts, epoch, compute.Overrides{AbsoluteTime: true}), 1e-9)
	assert.InDelta(t, 101.5, compute.NormalizeTime(ts, epoch, compute.Overrides{TimeOffsetMs: 100}), 1e-9)
}

func TestBatchAllOrNothing(t *testing.T) {
	raw := []transport.RawSample{
		{Timestamp: 0, Vshunt: 20, Vbat: 4000, HasVbat: true},
		{Timestamp: 1_000_000, Vshunt: 20}, // no Vbat reading
	}

	_, err := compute.Batch(raw, calibratedChannel(), compute.Overrides{}, 0)
	require.Error(t, err, "one bad sample must abort the whole batch")
}

func TestRecomputeAfterCalibrationChange(t *testing.T) {
	sess, err := session.New(session.Settings{}, []session.Channel{calibratedChannel()})
	require.NoError(t, err)

	raw := []transport.RawSample{
		{Timestamp: 1_000_000_000, Vshunt: 20, Vbat: 4000, HasVbat: true},
		{Timestamp: 1_001_000_000, Vshunt: 40, Vbat: 4000, HasVbat: true},
	}
	derived, err := compute.Batch(raw, calibratedChannel(), compute.Overrides{}, 1_000_000_000)
	require.NoError(t, err)
	require.NoError(t, sess.Append(0, raw, derived))

	// Halving the shunt doubles the computed power for the same raw data.
	ch, _ := sess.Channel(0)
	ch.ShuntMilliOhms = 50
	require.NoError(t, sess.UpdateChannel(ch))
	require.NoError(t, compute.Recompute(sess, 0))

	recomputed := sess.Derived(0)
	require.Len(t, recomputed, 2)
	assert.InDelta(t, 4.0, recomputed[0].Power, 1e-12)
	assert.InDelta(t, 8.0, recomputed[1].Power, 1e-12)
}

func TestRecomputeIdempotent(t *testing.T) {
	sess, err := session.New(session.Settings{}, []session.Channel{calibratedChannel()})
	require.NoError(t, err)

	raw := []transport.RawSample{
		{Timestamp: 1_000_000_000, Vshunt: 20, Vbat: 4000, HasVbat: true},
	}
	derived, err := compute.Batch(raw, calibratedChannel(), compute.Overrides{}, 1_000_000_000)
	require.NoError(t, err)
	require.NoError(t, sess.Append(0, raw, derived))

	require.NoError(t, compute.Recompute(sess, 0))
	first := sess.Derived(0)
	require.NoError(t, compute.Recompute(sess, 0))
	second := sess.Derived(0)

	assert.Equal(t, first, second)
}

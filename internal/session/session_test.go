package session_test

import (
	"testing"

	"codeberg.org/mutker/acmeprobe/internal/errors"
	"codeberg.org/mutker/acmeprobe/internal/session"
	"codeberg.org/mutker/acmeprobe/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChannels(n int) []session.Channel {
	channels := make([]session.Channel, 0, n)
	for i := 0; i < n; i++ {
		channels = append(channels, session.Channel{
			Index:          i,
			Name:           "probe",
			ShuntMilliOhms: 100,
			VshuntScale:    0.0025,
			VbatScale:      0.001,
			Enabled:        true,
			Calibrated:     true,
		})
	}
	return channels
}

func TestNewAssignsDefaultColors(t *testing.T) {
	sess, err := session.New(session.Settings{}, testChannels(2))
	require.NoError(t, err)

	for _, ch := range sess.Channels() {
		assert.Equal(t, session.DefaultColor(ch.Index), ch.Color)
	}
}

func TestNewRejectsDuplicateChannels(t *testing.T) {
	channels := []session.Channel{{Index: 0}, {Index: 0}}

	_, err := session.New(session.Settings{}, channels)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, session.ErrDuplicateChannel))
}

func TestChannelsOrderedByIndex(t *testing.T) {
	channels := []session.Channel{{Index: 3}, {Index: 0}, {Index: 1}}

	sess, err := session.New(session.Settings{}, channels)
	require.NoError(t, err)

	got := sess.Channels()
	require.Len(t, got, 3)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, 1, got[1].Index)
	assert.Equal(t, 3, got[2].Index)
}

func TestAppendPinsEpoch(t *testing.T) {
	sess, err := session.New(session.Settings{}, testChannels(1))
	require.NoError(t, err)

	_, ok := sess.Epoch(0)
	assert.False(t, ok, "no epoch before any sample")

	raw := []transport.RawSample{{Timestamp: 42_000}, {Timestamp: 43_000}}
	require.NoError(t, sess.Append(0, raw, nil))

	epoch, ok := sess.Epoch(0)
	require.True(t, ok)
	assert.Equal(t, int64(42_000), epoch)

	// Later batches never move the epoch.
	require.NoError(t, sess.Append(0, []transport.RawSample{{Timestamp: 50_000}}, nil))
	epoch, _ = sess.Epoch(0)
	assert.Equal(t, int64(42_000), epoch)
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	sess, err := session.New(session.Settings{}, testChannels(1))
	require.NoError(t, err)

	require.NoError(t, sess.Append(0, []transport.RawSample{{Timestamp: 100}}, nil))

	err = sess.Append(0, []transport.RawSample{{Timestamp: 50}}, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, session.ErrOutOfOrder))

	// A rejected batch leaves nothing behind.
	assert.Len(t, sess.Raw(0), 1)
}

func TestAppendUnknownChannel(t *testing.T) {
	sess, err := session.New(session.Settings{}, testChannels(1))
	require.NoError(t, err)

	err = sess.Append(7, []transport.RawSample{{Timestamp: 1}}, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, session.ErrUnknownChannel))
}

func TestAppendRawWithoutDerived(t *testing.T) {
	sess, err := session.New(session.Settings{}, testChannels(1))
	require.NoError(t, err)

	raw := []transport.RawSample{{Timestamp: 1}, {Timestamp: 2}}
	require.NoError(t, sess.Append(0, raw, nil))

	assert.Len(t, sess.Raw(0), 2)
	assert.Empty(t, sess.Derived(0))
	assert.True(t, sess.HasData())
	assert.Zero(t, sess.SampleCount(), "sample count tracks derived samples")
}

func TestUpdateChannel(t *testing.T) {
	sess, err := session.New(session.Settings{}, testChannels(1))
	require.NoError(t, err)

	ch, ok := sess.Channel(0)
	require.True(t, ok)
	ch.ShuntMilliOhms = 50
	ch.ShuntOverride = true
	require.NoError(t, sess.UpdateChannel(ch))

	got, _ := sess.Channel(0)
	assert.InDelta(t, 50.0, got.ShuntMilliOhms, 1e-12)
	assert.True(t, got.ShuntOverride)

	err = sess.UpdateChannel(session.Channel{Index: 9})
	require.Error(t, err)
}

func TestResetData(t *testing.T) {
	sess, err := session.New(session.Settings{}, testChannels(1))
	require.NoError(t, err)

	raw := []transport.RawSample{{Timestamp: 1}}
	derived := []session.DerivedSample{{TimeMs: 0, Power: 1, HasPower: true}}
	require.NoError(t, sess.Append(0, raw, derived))
	require.True(t, sess.HasData())

	sess.ResetData()

	assert.False(t, sess.HasData())
	_, ok := sess.Epoch(0)
	assert.False(t, ok, "reset clears the epoch too")
	assert.Len(t, sess.Channels(), 1, "channels survive a data reset")
}

func TestDefaultColorCycles(t *testing.T) {
	assert.Equal(t, session.DefaultColor(0), session.DefaultColor(8))
	assert.NotEqual(t, session.DefaultColor(0), session.DefaultColor(1))
}

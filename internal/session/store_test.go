package session_test

import (
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/acmeprobe/internal/errors"
	"codeberg.org/mutker/acmeprobe/internal/session"
	"codeberg.org/mutker/acmeprobe/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populatedSession(t *testing.T, channels int) *session.Session {
	t.Helper()

	sess, err := session.New(session.Settings{
		IntegrationTime: "0.000588",
		Oversampling:    2,
		TimeOffsetMs:    12.5,
	}, testChannels(channels))
	require.NoError(t, err)

	for c := 0; c < channels; c++ {
		raw := []transport.RawSample{
			{Timestamp: 1_000_000_000, Vshunt: 20.0, Vbat: 3800.0, HasVbat: true},
			{Timestamp: 1_001_250_000, Vshunt: 21.5, Vbat: 3801.0, HasVbat: true},
			{Timestamp: 1_002_500_000, Vshunt: 19.0, Vbat: 3799.0, HasVbat: false},
		}
		derived := []session.DerivedSample{
			{TimeMs: 12.5, Power: 1.9, Vshunt: 0.05, Vbat: 3.8, HasPower: true},
			{TimeMs: 13.75, Power: 2.04, Vshunt: 0.05375, Vbat: 3.801, HasPower: true},
		}
		require.NoError(t, sess.Append(c, raw, derived))
	}

	return sess
}

func TestSaveLoadFullRoundTrip(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "capture.acme")

	sess := populatedSession(t, 3)
	require.NoError(t, session.Save(sess, path))

	loaded, err := session.LoadFull(path)
	require.NoError(t, err)

	assert.Equal(t, sess.Settings(), loaded.Settings())
	assert.Equal(t, sess.Channels(), loaded.Channels())

	for c := 0; c < 3; c++ {
		// Every numeric field must round-trip exactly, bit for bit.
		assert.Equal(t, sess.Raw(c), loaded.Raw(c))
		assert.Equal(t, sess.Derived(c), loaded.Derived(c))

		epoch, ok := loaded.Epoch(c)
		require.True(t, ok)
		assert.Equal(t, int64(1_000_000_000), epoch)
	}
}

func TestSaveReplacesExistingFile(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "capture.acme")

	require.NoError(t, session.Save(populatedSession(t, 2), path))
	require.NoError(t, session.Save(populatedSession(t, 1), path))

	loaded, err := session.LoadFull(path)
	require.NoError(t, err)
	assert.Len(t, loaded.Channels(), 1)
}

func TestLoadTemplateExposesNoSamples(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "capture.acme")

	sess := populatedSession(t, 2)
	require.NoError(t, session.Save(sess, path))

	template, err := session.LoadTemplate(path)
	require.NoError(t, err)

	assert.Equal(t, sess.Settings(), template.Settings())
	assert.Equal(t, sess.Channels(), template.Channels())
	assert.False(t, template.HasData(), "template load must not expose any sample")
	assert.Empty(t, template.Raw(0))
	assert.Empty(t, template.Derived(0))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := session.LoadFull(filepath.Join(t.TempDir(), "absent.acme"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, session.ErrStorageInit))
}

func TestLoadGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.acme")
	require.NoError(t, os.WriteFile(path, []byte("this is not a capture file"), 0o600))

	_, err := session.LoadFull(path)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, session.ErrMalformedCaptureFile))
}

func TestLoadEmptyCapture(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "empty.acme")

	sess, err := session.New(session.Settings{IntegrationTime: "0.000588", Oversampling: 1},
		testChannels(1))
	require.NoError(t, err)
	require.NoError(t, session.Save(sess, path))

	loaded, err := session.LoadFull(path)
	require.NoError(t, err)
	assert.False(t, loaded.HasData())
	assert.Len(t, loaded.Channels(), 1)
}

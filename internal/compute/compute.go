// Package compute transforms raw probe samples into derived power and
// voltage series. All derived values are in SI units: volts and watts.
// Derivation is deterministic: the same raw sample, channel calibration and
// overrides always yield the same derived sample.
package compute

import (
	"codeberg.org/mutker/acmeprobe/internal/errors"
	"codeberg.org/mutker/acmeprobe/internal/session"
	"codeberg.org/mutker/acmeprobe/internal/transport"
)

const nsPerMs = 1e6

// Overrides are the capture-wide options that affect derivation. ForceVbat
// and IshuntOnly are mutually exclusive.
type Overrides struct {
	ForceVbat    bool
	ForcedVbat   float64
	IshuntOnly   bool
	AbsoluteTime bool
	TimeOffsetMs float64
}

// OverridesFrom extracts the compute-relevant overrides from capture settings.
func OverridesFrom(st session.Settings) Overrides {
	return Overrides{
		ForceVbat:    st.ForceVbat,
		ForcedVbat:   st.ForcedVbat,
		IshuntOnly:   st.IshuntOnly,
		AbsoluteTime: st.AbsoluteTime,
		TimeOffsetMs: st.TimeOffsetMs,
	}
}

func (o Overrides) Validate() error {
	if o.ForceVbat && o.IshuntOnly {
		return errors.New().WithMessage(ErrConflictingOverrides,
			"forced Vbat cannot be combined with Ishunt-only mode")
	}
	return nil
}

// NormalizeTime converts a device timestamp in nanoseconds to the session
// time base in milliseconds: relative to the channel epoch unless absolute
// time is requested, plus the configured display offset.
func NormalizeTime(tsNs, epochNs int64, ov Overrides) float64 {
	ns := tsNs
	if !ov.AbsoluteTime {
		ns -= epochNs
	}
	return float64(ns)/nsPerMs + ov.TimeOffsetMs
}

// One derives a single sample. In power mode it requires a calibrated shunt
// and a Vbat reading (measured or forced); in Ishunt-only mode it emits only
// the scaled Vshunt.
func One(raw transport.RawSample, ch session.Channel, ov Overrides, epochNs int64) (session.DerivedSample, error) {
	errFactory := errors.New()

	timeMs := NormalizeTime(raw.Timestamp, epochNs, ov)
	vshuntV := raw.Vshunt * ch.VshuntScale

	if ov.IshuntOnly {
		return session.DerivedSample{
			TimeMs: timeMs,
			Vshunt: vshuntV,
		}, nil
	}

	if !ch.Calibrated || ch.RshuntOhms() <= 0 {
		return session.DerivedSample{}, errFactory.WithData(ErrUncalibratedChannel, struct {
			Channel  int
			Override string
		}{ch.Index, "--shunts"})
	}

	var vbatV float64
	switch {
	case ov.ForceVbat:
		vbatV = ov.ForcedVbat
	case raw.HasVbat:
		vbatV = raw.Vbat * ch.VbatScale
	default:
		return session.DerivedSample{}, errFactory.WithData(ErrMissingVbat, struct {
			Channel  int
			Override string
		}{ch.Index, "--vbat"})
	}

	return session.DerivedSample{
		TimeMs:   timeMs,
		Power:    vbatV * vshuntV / ch.RshuntOhms(),
		Vshunt:   vshuntV,
		Vbat:     vbatV,
		HasPower: true,
	}, nil
}

// Batch derives a whole raw batch. The first failing sample aborts the batch
// so a partial result is never published.
func Batch(raw []transport.RawSample, ch session.Channel, ov Overrides, epochNs int64) ([]session.DerivedSample, error) {
	derived := make([]session.DerivedSample, 0, len(raw))
	for _, r := range raw {
		d, err := One(r, ch, ov, epochNs)
		if err != nil {
			return nil, err
		}
		derived = append(derived, d)
	}
	return derived, nil
}

// Recompute rebuilds the whole derived sequence for a channel from its stored
// raw samples and the current calibration and settings, replacing the old
// sequence under the session write lock. Recomputing twice with unchanged
// inputs yields an identical sequence.
func Recompute(s *session.Session, channel int) error {
	errFactory := errors.New()

	ch, ok := s.Channel(channel)
	if !ok {
		return errFactory.WithData(session.ErrUnknownChannel, struct{ Channel int }{channel})
	}

	ov := OverridesFrom(s.Settings())
	if err := ov.Validate(); err != nil {
		return err
	}

	epochNs, _ := s.Epoch(channel)
	derived, err := Batch(s.Raw(channel), ch, ov, epochNs)
	if err != nil {
		return err
	}

	return s.ReplaceDerived(channel, derived)
}

package session

import (
	"bytes"
	"os"

	"codeberg.org/mutker/acmeprobe/internal/errors"
	"gopkg.in/yaml.v3"
)

// TemplateVersion tags the YAML settings template layout.
const TemplateVersion = 1

const defaultFilePerm = 0o644

type templateDoc struct {
	Version  int               `yaml:"version"`
	Settings templateSettings  `yaml:"settings"`
	Channels []templateChannel `yaml:"channels"`
}

type templateSettings struct {
	IntegrationTime string  `yaml:"integration_time"`
	Oversampling    int     `yaml:"oversampling"`
	AbsoluteTime    bool    `yaml:"absolute_time"`
	TimeOffsetMs    float64 `yaml:"time_offset_ms"`
	ForceVbat       bool    `yaml:"force_vbat"`
	ForcedVbat      float64 `yaml:"forced_vbat"`
	IshuntOnly      bool    `yaml:"ishunt_only"`
}

type templateChannel struct {
	Index          int     `yaml:"index"`
	Name           string  `yaml:"name"`
	Color          string  `yaml:"color"`
	ShuntMilliOhms float64 `yaml:"shunt_mohms"`
	VshuntScale    float64 `yaml:"vshunt_scale"`
	VbatScale      float64 `yaml:"vbat_scale"`
	Enabled        bool    `yaml:"enabled"`
	Calibrated     bool    `yaml:"calibrated"`
	ShuntOverride  bool    `yaml:"shunt_override"`
}

// ExportTemplate writes the settings section of a session as a human-editable
// YAML template. Sample data is never exported.
func ExportTemplate(s *Session, path string) error {
	errFactory := errors.New()

	st := s.Settings()
	doc := templateDoc{
		Version: TemplateVersion,
		Settings: templateSettings{
			IntegrationTime: st.IntegrationTime,
			Oversampling:    st.Oversampling,
			AbsoluteTime:    st.AbsoluteTime,
			TimeOffsetMs:    st.TimeOffsetMs,
			ForceVbat:       st.ForceVbat,
			ForcedVbat:      st.ForcedVbat,
			IshuntOnly:      st.IshuntOnly,
		},
	}
	for _, ch := range s.Channels() {
		doc.Channels = append(doc.Channels, templateChannel{
			Index:          ch.Index,
			Name:           ch.Name,
			Color:          ch.Color,
			ShuntMilliOhms: ch.ShuntMilliOhms,
			VshuntScale:    ch.VshuntScale,
			VbatScale:      ch.VbatScale,
			Enabled:        ch.Enabled,
			Calibrated:     ch.Calibrated,
			ShuntOverride:  ch.ShuntOverride,
		})
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	if err := os.WriteFile(path, data, defaultFilePerm); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

// ImportTemplate builds a fresh, empty session from a YAML settings template.
// Unknown or missing required fields are rejected rather than defaulted.
func ImportTemplate(path string) (*Session, error) {
	errFactory := errors.New()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	var doc templateDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, errFactory.Wrap(ErrMalformedCaptureFile, err)
	}
	if doc.Version != TemplateVersion {
		return nil, errFactory.WithData(ErrMalformedCaptureFile, struct {
			Version  int
			Expected int
		}{doc.Version, TemplateVersion})
	}
	if len(doc.Channels) == 0 {
		return nil, errFactory.WithMessage(ErrMalformedCaptureFile, "template has no channels")
	}

	st := Settings{
		IntegrationTime: doc.Settings.IntegrationTime,
		Oversampling:    doc.Settings.Oversampling,
		AbsoluteTime:    doc.Settings.AbsoluteTime,
		TimeOffsetMs:    doc.Settings.TimeOffsetMs,
		ForceVbat:       doc.Settings.ForceVbat,
		ForcedVbat:      doc.Settings.ForcedVbat,
		IshuntOnly:      doc.Settings.IshuntOnly,
	}
	channels := make([]Channel, 0, len(doc.Channels))
	for _, tc := range doc.Channels {
		channels = append(channels, Channel{
			Index:          tc.Index,
			Name:           tc.Name,
			Color:          tc.Color,
			ShuntMilliOhms: tc.ShuntMilliOhms,
			VshuntScale:    tc.VshuntScale,
			VbatScale:      tc.VbatScale,
			Enabled:        tc.Enabled,
			Calibrated:     tc.Calibrated,
			ShuntOverride:  tc.ShuntOverride,
		})
	}

	s, err := New(st, channels)
	if err != nil {
		return nil, errFactory.Wrap(ErrMalformedCaptureFile, err)
	}

	return s, nil
}

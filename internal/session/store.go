package session

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/acmeprobe/internal/errors"
	"codeberg.org/mutker/acmeprobe/internal/logger"
	"codeberg.org/mutker/acmeprobe/internal/transport"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// SchemaVersion tags the capture file layout. Files with a different
	// version are rejected rather than silently reinterpreted.
	SchemaVersion = 1

	defaultDirPerm = 0o755

	createTablesSQL = `
	CREATE TABLE IF NOT EXISTS schema_versions (
	    version     INTEGER PRIMARY KEY,
	    applied_at  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settings (
	    id               INTEGER PRIMARY KEY CHECK (id = 1),
	    integration_time TEXT NOT NULL,
	    oversampling     INTEGER NOT NULL,
	    absolute_time    INTEGER NOT NULL CHECK (absolute_time IN (0, 1)),
	    time_offset_ms   REAL NOT NULL,
	    force_vbat       INTEGER NOT NULL CHECK (force_vbat IN (0, 1)),
	    forced_vbat      REAL NOT NULL,
	    ishunt_only      INTEGER NOT NULL CHECK (ishunt_only IN (0, 1))
	);
	CREATE TABLE IF NOT EXISTS channels (
	    idx            INTEGER PRIMARY KEY,
	    name           TEXT NOT NULL,
	    color          TEXT NOT NULL,
	    shunt_mohms    REAL NOT NULL,
	    vshunt_scale   REAL NOT NULL,
	    vbat_scale     REAL NOT NULL,
	    enabled        INTEGER NOT NULL CHECK (enabled IN (0, 1)),
	    calibrated     INTEGER NOT NULL CHECK (calibrated IN (0, 1)),
	    shunt_override INTEGER NOT NULL CHECK (shunt_override IN (0, 1)),
	    epoch_ns       INTEGER
	);
	CREATE TABLE IF NOT EXISTS raw_samples (
	    channel   INTEGER NOT NULL,
	    seq       INTEGER NOT NULL,
	    ts_ns     INTEGER NOT NULL,
	    vshunt    REAL NOT NULL,
	    vbat      REAL NOT NULL,
	    has_vbat  INTEGER NOT NULL CHECK (has_vbat IN (0, 1)),
	    PRIMARY KEY (channel, seq)
	);
	CREATE TABLE IF NOT EXISTS derived_samples (
	    channel   INTEGER NOT NULL,
	    seq       INTEGER NOT NULL,
	    time_ms   REAL NOT NULL,
	    power     REAL NOT NULL,
	    vshunt    REAL NOT NULL,
	    vbat      REAL NOT NULL,
	    has_power INTEGER NOT NULL CHECK (has_power IN (0, 1)),
	    PRIMARY KEY (channel, seq)
	);`
)

// Save writes the full session (settings, channels, raw and derived samples)
// to a capture file at path, replacing any existing file. Loading the result
// with LoadFull reproduces every numeric field exactly: all floating point
// values are stored as IEEE 754 doubles.
func Save(s *Session, path string) error {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return errFactory.Wrap(ErrStorageInit, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(ErrStorageInit, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return errFactory.Wrap(ErrStorageInit, err)
	}
	defer db.Close()

	if _, err := db.Exec(createTablesSQL); err != nil {
		return errFactory.Wrap(ErrStorageInit, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.Debug().Err(rbErr).Msg("Failed to rollback capture save")
			}
		}
	}()

	if _, err := tx.Exec(
		`INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)`,
		SchemaVersion, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	st := s.Settings()
	if _, err := tx.Exec(
		`INSERT INTO settings (
		    id, integration_time, oversampling, absolute_time,
		    time_offset_ms, force_vbat, forced_vbat, ishunt_only
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?)`,
		st.IntegrationTime, st.Oversampling, boolToInt(st.AbsoluteTime),
		st.TimeOffsetMs, boolToInt(st.ForceVbat), st.ForcedVbat, boolToInt(st.IshuntOnly),
	); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	for _, ch := range s.Channels() {
		var epoch sql.NullInt64
		if ns, ok := s.Epoch(ch.Index); ok {
			epoch = sql.NullInt64{Int64: ns, Valid: true}
		}
		if _, err := tx.Exec(
			`INSERT INTO channels (
			    idx, name, color, shunt_mohms, vshunt_scale, vbat_scale,
			    enabled, calibrated, shunt_override, epoch_ns
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ch.Index, ch.Name, ch.Color, ch.ShuntMilliOhms, ch.VshuntScale, ch.VbatScale,
			boolToInt(ch.Enabled), boolToInt(ch.Calibrated), boolToInt(ch.ShuntOverride), epoch,
		); err != nil {
			return errFactory.Wrap(ErrStorageAccess, err)
		}

		for seq, r := range s.Raw(ch.Index) {
			if _, err := tx.Exec(
				`INSERT INTO raw_samples (channel, seq, ts_ns, vshunt, vbat, has_vbat)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				ch.Index, seq, r.Timestamp, r.Vshunt, r.Vbat, boolToInt(r.HasVbat),
			); err != nil {
				return errFactory.Wrap(ErrStorageAccess, err)
			}
		}

		for seq, d := range s.Derived(ch.Index) {
			if _, err := tx.Exec(
				`INSERT INTO derived_samples (channel, seq, time_ms, power, vshunt, vbat, has_power)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				ch.Index, seq, d.TimeMs, d.Power, d.Vshunt, d.Vbat, boolToInt(d.HasPower),
			); err != nil {
				return errFactory.Wrap(ErrStorageAccess, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	committed = true

	logger.Debug().Str("path", path).Int("samples", s.SampleCount()).Msg("Capture saved")

	return nil
}

// LoadFull restores a complete session, settings and data, from a capture
// file. No partial session is ever returned: any structural or numeric
// problem aborts the load with ErrMalformedCaptureFile.
func LoadFull(path string) (*Session, error) {
	db, err := openCapture(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	s, err := loadSettingsSection(db)
	if err != nil {
		return nil, err
	}
	if err := loadDataSection(db, s); err != nil {
		return nil, err
	}

	return s, nil
}

// LoadTemplate restores only the settings section (capture settings and
// channel setup) from a capture file. The data section is never read, and no
// sample from the source file is ever exposed.
func LoadTemplate(path string) (*Session, error) {
	db, err := openCapture(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	return loadSettingsSection(db)
}

func openCapture(path string) (*sql.DB, error) {
	errFactory := errors.New()

	if _, err := os.Stat(path); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	var version int
	err = db.QueryRow(`SELECT MAX(version) FROM schema_versions`).Scan(&version)
	if err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrMalformedCaptureFile, err)
	}
	if version != SchemaVersion {
		db.Close()
		return nil, errFactory.WithData(ErrMalformedCaptureFile, struct {
			Version  int
			Expected int
		}{version, SchemaVersion})
	}

	return db, nil
}

func loadSettingsSection(db *sql.DB) (*Session, error) {
	errFactory := errors.New()

	var st Settings
	var absoluteTime, forceVbat, ishuntOnly int
	err := db.QueryRow(
		`SELECT integration_time, oversampling, absolute_time,
		        time_offset_ms, force_vbat, forced_vbat, ishunt_only
		 FROM settings WHERE id = 1`,
	).Scan(&st.IntegrationTime, &st.Oversampling, &absoluteTime,
		&st.TimeOffsetMs, &forceVbat, &st.ForcedVbat, &ishuntOnly)
	if err != nil {
		return nil, errFactory.Wrap(ErrMalformedCaptureFile, err)
	}
	st.AbsoluteTime = absoluteTime != 0
	st.ForceVbat = forceVbat != 0
	st.IshuntOnly = ishuntOnly != 0

	rows, err := db.Query(
		`SELECT idx, name, color, shunt_mohms, vshunt_scale, vbat_scale,
		        enabled, calibrated, shunt_override, epoch_ns
		 FROM channels ORDER BY idx`,
	)
	if err != nil {
		return nil, errFactory.Wrap(ErrMalformedCaptureFile, err)
	}
	defer rows.Close()

	var channels []Channel
	epochs := make(map[int]int64)
	for rows.Next() {
		var ch Channel
		var enabled, calibrated, override int
		var epoch sql.NullInt64
		if err := rows.Scan(&ch.Index, &ch.Name, &ch.Color, &ch.ShuntMilliOhms,
			&ch.VshuntScale, &ch.VbatScale, &enabled, &calibrated, &override, &epoch); err != nil {
			return nil, errFactory.Wrap(ErrMalformedCaptureFile, err)
		}
		ch.Enabled = enabled != 0
		ch.Calibrated = calibrated != 0
		ch.ShuntOverride = override != 0
		if epoch.Valid {
			epochs[ch.Index] = epoch.Int64
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrMalformedCaptureFile, err)
	}
	if len(channels) == 0 {
		return nil, errFactory.WithMessage(ErrMalformedCaptureFile, "capture file has no channels")
	}

	s, err := New(st, channels)
	if err != nil {
		return nil, errFactory.Wrap(ErrMalformedCaptureFile, err)
	}
	for idx, ns := range epochs {
		if err := s.SetEpoch(idx, ns); err != nil {
			return nil, errFactory.Wrap(ErrMalformedCaptureFile, err)
		}
	}

	return s, nil
}

func loadDataSection(db *sql.DB, s *Session) error {
	errFactory := errors.New()

	rawByChannel := make(map[int][]transport.RawSample)
	rows, err := db.Query(
		`SELECT channel, ts_ns, vshunt, vbat, has_vbat
		 FROM raw_samples ORDER BY channel, seq`,
	)
	if err != nil {
		return errFactory.Wrap(ErrMalformedCaptureFile, err)
	}
	for rows.Next() {
		var channel, hasVbat int
		var r transport.RawSample
		if err := rows.Scan(&channel, &r.Timestamp, &r.Vshunt, &r.Vbat, &hasVbat); err != nil {
			rows.Close()
			return errFactory.Wrap(ErrMalformedCaptureFile, err)
		}
		r.HasVbat = hasVbat != 0
		rawByChannel[channel] = append(rawByChannel[channel], r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errFactory.Wrap(ErrMalformedCaptureFile, err)
	}
	rows.Close()

	derivedByChannel := make(map[int][]DerivedSample)
	rows, err = db.Query(
		`SELECT channel, time_ms, power, vshunt, vbat, has_power
		 FROM derived_samples ORDER BY channel, seq`,
	)
	if err != nil {
		return errFactory.Wrap(ErrMalformedCaptureFile, err)
	}
	for rows.Next() {
		var channel, hasPower int
		var d DerivedSample
		if err := rows.Scan(&channel, &d.TimeMs, &d.Power, &d.Vshunt, &d.Vbat, &hasPower); err != nil {
			rows.Close()
			return errFactory.Wrap(ErrMalformedCaptureFile, err)
		}
		d.HasPower = hasPower != 0
		derivedByChannel[channel] = append(derivedByChannel[channel], d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errFactory.Wrap(ErrMalformedCaptureFile, err)
	}
	rows.Close()

	for channel, raw := range rawByChannel {
		if err := s.Append(channel, raw, derivedByChannel[channel]); err != nil {
			return errFactory.Wrap(ErrMalformedCaptureFile, err)
		}
		delete(derivedByChannel, channel)
	}
	for channel, derived := range derivedByChannel {
		if err := s.Append(channel, nil, derived); err != nil {
			return errFactory.Wrap(ErrMalformedCaptureFile, err)
		}
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

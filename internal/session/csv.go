package session

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"codeberg.org/mutker/acmeprobe/internal/errors"
)

// ExportCSV writes one CSV file per channel next to base, named
// <base>-ch<N>.csv, and returns the written paths. The header follows the
// active capture mode.
func ExportCSV(s *Session, base string) ([]string, error) {
	errFactory := errors.New()

	header := []string{"Time (ms)", "Power (W)", "Vbat (V)"}
	if s.Settings().IshuntOnly {
		header = []string{"Time (ms)", "Vshunt (V)"}
	}

	var paths []string
	for _, ch := range s.Channels() {
		path := fmt.Sprintf("%s-ch%d.csv", base, ch.Index)
		f, err := os.Create(path)
		if err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}

		w := csv.NewWriter(f)
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		for _, d := range s.Derived(ch.Index) {
			record := make([]string, 0, len(header))
			record = append(record, formatFloat(d.TimeMs))
			if s.Settings().IshuntOnly {
				record = append(record, formatFloat(d.Vshunt))
			} else {
				record = append(record, formatFloat(d.Power), formatFloat(d.Vbat))
			}
			if err := w.Write(record); err != nil {
				f.Close()
				return nil, errFactory.Wrap(ErrStorageAccess, err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		if err := f.Close(); err != nil {
			return nil, errFactory.Wrap(ErrStorageClose, err)
		}
		paths = append(paths, path)
	}

	return paths, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

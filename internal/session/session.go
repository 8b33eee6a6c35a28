package session

import (
	"sort"
	"sync"

	"codeberg.org/mutker/acmeprobe/internal/errors"
	"codeberg.org/mutker/acmeprobe/internal/transport"
)

// Channel colors from the original tool, cycled by channel index.
var defaultColors = []string{
	"#0088FF", "#FF5500", "#449900", "#AA00AA",
	"#4444FF", "#994400", "#99AA00", "#990000",
}

// DefaultColor returns the display color assigned to a channel index.
func DefaultColor(index int) string {
	if index < 0 {
		index = 0
	}
	return defaultColors[index%len(defaultColors)]
}

// Channel is one physical measurement channel and its calibration state.
// ShuntMilliOhms is only meaningful once Calibrated is set; an uncalibrated
// channel is excluded from power computation.
type Channel struct {
	Index          int
	Name           string
	Color          string
	ShuntMilliOhms float64
	VshuntScale    float64
	VbatScale      float64
	Enabled        bool
	Calibrated     bool
	ShuntOverride  bool
}

// RshuntOhms returns the shunt resistance in ohms.
func (c Channel) RshuntOhms() float64 {
	return c.ShuntMilliOhms / 1000
}

// Settings are the capture-wide options. ForceVbat and IshuntOnly are
// mutually exclusive.
type Settings struct {
	IntegrationTime string
	Oversampling    int
	AbsoluteTime    bool
	TimeOffsetMs    float64
	ForceVbat       bool
	ForcedVbat      float64
	IshuntOnly      bool
}

// DerivedSample is computed from a RawSample plus the channel calibration and
// the capture settings at compute time. TimeMs is the normalized session
// timestamp in milliseconds. HasPower is false in Ishunt-only mode, in which
// case Vshunt carries the derived quantity.
type DerivedSample struct {
	TimeMs   float64
	Power    float64
	Vshunt   float64
	Vbat     float64
	HasPower bool
}

// Session owns the channel set, the per-channel raw and derived sample
// sequences and the capture settings. It has a single writer (the capture
// path); readers only ever see the already-published prefix.
type Session struct {
	mu       sync.RWMutex
	settings Settings
	channels map[int]Channel
	order    []int
	raw      map[int][]transport.RawSample
	derived  map[int][]DerivedSample
	epochs   map[int]int64
	hasEpoch map[int]bool
}

func New(settings Settings, channels []Channel) (*Session, error) {
	errFactory := errors.New()

	s := &Session{
		settings: settings,
		channels: make(map[int]Channel, len(channels)),
		raw:      make(map[int][]transport.RawSample),
		derived:  make(map[int][]DerivedSample),
		epochs:   make(map[int]int64),
		hasEpoch: make(map[int]bool),
	}

	for _, ch := range channels {
		if _, ok := s.channels[ch.Index]; ok {
			return nil, errFactory.WithData(ErrDuplicateChannel, struct{ Channel int }{ch.Index})
		}
		if ch.Color == "" {
			ch.Color = DefaultColor(ch.Index)
		}
		s.channels[ch.Index] = ch
		s.order = append(s.order, ch.Index)
	}
	sort.Ints(s.order)

	return s, nil
}

func (s *Session) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Session) UpdateSettings(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

// Channels returns a copy of the channel set ordered by index.
func (s *Session) Channels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Channel, 0, len(s.order))
	for _, idx := range s.order {
		out = append(out, s.channels[idx])
	}
	return out
}

func (s *Session) Channel(index int) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[index]
	return ch, ok
}

func (s *Session) UpdateChannel(ch Channel) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[ch.Index]; !ok {
		return errFactory.WithData(ErrUnknownChannel, struct{ Channel int }{ch.Index})
	}
	s.channels[ch.Index] = ch
	return nil
}

// Append publishes one batch worth of samples for a channel. Raw and derived
// slices may have different lengths: an uncalibrated channel appends raw
// samples with no derived output. The whole batch becomes visible atomically.
// The channel epoch is pinned to the first raw timestamp ever appended.
func (s *Session) Append(channel int, raw []transport.RawSample, derived []DerivedSample) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[channel]; !ok {
		return errFactory.WithData(ErrUnknownChannel, struct{ Channel int }{channel})
	}

	if len(raw) > 0 {
		var last int64
		hasLast := false
		if existing := s.raw[channel]; len(existing) > 0 {
			last = existing[len(existing)-1].Timestamp
			hasLast = true
		} else if !s.hasEpoch[channel] {
			s.epochs[channel] = raw[0].Timestamp
			s.hasEpoch[channel] = true
		}
		for _, r := range raw {
			if hasLast && r.Timestamp < last {
				return errFactory.WithData(ErrOutOfOrder, struct {
					Channel  int
					Previous int64
					Next     int64
				}{channel, last, r.Timestamp})
			}
			last = r.Timestamp
			hasLast = true
		}
		s.raw[channel] = append(s.raw[channel], raw...)
	}

	if len(derived) > 0 {
		if existing := s.derived[channel]; len(existing) > 0 {
			if derived[0].TimeMs < existing[len(existing)-1].TimeMs {
				return errFactory.WithData(ErrOutOfOrder, struct {
					Channel int
					TimeMs  float64
				}{channel, derived[0].TimeMs})
			}
		}
		s.derived[channel] = append(s.derived[channel], derived...)
	}

	return nil
}

// Epoch returns the device timestamp of the first sample appended for the
// channel, used for relative time normalization.
func (s *Session) Epoch(channel int) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[channel], s.hasEpoch[channel]
}

func (s *Session) SetEpoch(channel int, ns int64) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[channel]; !ok {
		return errFactory.WithData(ErrUnknownChannel, struct{ Channel int }{channel})
	}
	s.epochs[channel] = ns
	s.hasEpoch[channel] = true
	return nil
}

// Raw returns a copy of the published raw sample sequence for a channel.
func (s *Session) Raw(channel int) []transport.RawSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]transport.RawSample, len(s.raw[channel]))
	copy(out, s.raw[channel])
	return out
}

// Derived returns a copy of the published derived sample sequence for a channel.
func (s *Session) Derived(channel int) []DerivedSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DerivedSample, len(s.derived[channel]))
	copy(out, s.derived[channel])
	return out
}

func (s *Session) DerivedLen(channel int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.derived[channel])
}

// ReplaceDerived swaps the whole derived sequence for a channel under the
// write lock. Used by batch recomputation; never for incremental updates.
func (s *Session) ReplaceDerived(channel int, derived []DerivedSample) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[channel]; !ok {
		return errFactory.WithData(ErrUnknownChannel, struct{ Channel int }{channel})
	}
	s.derived[channel] = derived
	return nil
}

// HasData reports whether any samples have been captured or loaded.
func (s *Session) HasData() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, samples := range s.raw {
		if len(samples) > 0 {
			return true
		}
	}
	for _, samples := range s.derived {
		if len(samples) > 0 {
			return true
		}
	}
	return false
}

// SampleCount returns the total number of derived samples across channels.
func (s *Session) SampleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, samples := range s.derived {
		total += len(samples)
	}
	return total
}

// ResetData drops all captured samples and epochs, keeping channels and
// settings. Used when re-initializing buffers or seeding from a template.
func (s *Session) ResetData() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.raw = make(map[int][]transport.RawSample)
	s.derived = make(map[int][]DerivedSample)
	s.epochs = make(map[int]int64)
	s.hasEpoch = make(map[int]bool)
}

package transport

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/acmeprobe/internal/errors"
)

// Default attribute values mirroring an ACME probe with a 100 mOhm shunt.
const (
	simDefaultChannels    = 1
	simDefaultSamplingHz  = 800.0
	simDefaultBatchSize   = 64
	simDefaultVshuntScale = 0.0025
	simDefaultVbatScale   = 0.001
	simDefaultShuntMicro  = 100000 // 100 mOhms in microohms
	simEpochNs            = int64(1_000_000_000_000)

	simIntegrationTimes = "0.000140 0.000204 0.000332 0.000588 0.001100 0.002116 0.004156 0.008244"
)

type SimConfig struct {
	Channels       int
	SamplingHz     float64
	BatchSize      int
	BatchInterval  time.Duration
	ShuntMicroOhms []int64 // per channel; <= 0 leaves the attribute unset
	VshuntScale    float64
	VbatScale      float64
	FailAfter      int // batches per channel before a fault, 0 = never
	Seed           int64
}

func (c SimConfig) withDefaults() SimConfig {
	if c.Channels <= 0 {
		c.Channels = simDefaultChannels
	}
	if c.SamplingHz <= 0 {
		c.SamplingHz = simDefaultSamplingHz
	}
	if c.BatchSize <= 0 {
		c.BatchSize = simDefaultBatchSize
	}
	if c.VshuntScale == 0 {
		c.VshuntScale = simDefaultVshuntScale
	}
	if c.VbatScale == 0 {
		c.VbatScale = simDefaultVbatScale
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	return c
}

// Sim is a simulated probe implementing Adapter. It produces a deterministic
// sine-plus-noise load profile so the full pipeline can run and be tested
// without hardware.
type Sim struct {
	cfg      SimConfig
	mu       sync.Mutex
	attrs    map[string]string
	switches map[int]bool
	rng      *rand.Rand
	clockNs  int64
	open     bool
	batches  int
}

type simHandle struct {
	channels []int
	next     int
}

func (h *simHandle) Channels() []int {
	return h.channels
}

func NewSim(cfg SimConfig) *Sim {
	cfg = cfg.withDefaults()

	attrs := map[string]string{
		AttrIntegrationTime:          "0.000588",
		AttrIntegrationTimeAvailable: simIntegrationTimes,
		AttrOversamplingRatio:        "1",
		AttrAllowAsyncReadout:        "1",
		AttrSamplingFrequency:        strconv.FormatFloat(cfg.SamplingHz, 'f', -1, 64),
	}

	switches := make(map[int]bool, cfg.Channels)
	for i := 0; i < cfg.Channels; i++ {
		micro := int64(simDefaultShuntMicro)
		if i < len(cfg.ShuntMicroOhms) {
			micro = cfg.ShuntMicroOhms[i]
		}
		if micro > 0 {
			attrs[ShuntResistorAttr(i)] = strconv.FormatInt(micro, 10)
		}
		attrs[VshuntScaleAttr(i)] = strconv.FormatFloat(cfg.VshuntScale, 'f', -1, 64)
		attrs[VbatScaleAttr(i)] = strconv.FormatFloat(cfg.VbatScale, 'f', -1, 64)
		switches[i] = true
	}

	return &Sim{
		cfg:      cfg,
		attrs:    attrs,
		switches: switches,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		clockNs:  simEpochNs,
	}
}

func (s *Sim) Discover(_ context.Context) ([]int, error) {
	channels := make([]int, s.cfg.Channels)
	for i := range channels {
		channels[i] = i
	}
	return channels, nil
}

func (s *Sim) Open(_ context.Context, channels []int) (Handle, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(channels) == 0 {
		return nil, errFactory.WithMessage(ErrConnection, "no channels requested")
	}
	for _, ch := range channels {
		if ch < 0 || ch >= s.cfg.Channels {
			return nil, errFactory.WithData(ErrUnknownChannel, struct{ Channel int }{ch})
		}
	}
	if s.open {
		return nil, errFactory.New(ErrConnection)
	}
	s.open = true

	return &simHandle{channels: append([]int(nil), channels...)}, nil
}

func (s *Sim) ReadBatch(ctx context.Context, h Handle) (Batch, error) {
	errFactory := errors.New()

	sh, ok := h.(*simHandle)
	if !ok {
		return Batch{}, errFactory.New(ErrClosed)
	}

	if s.cfg.BatchInterval > 0 {
		select {
		case <-ctx.Done():
			return Batch{}, errFactory.Wrap(ErrFault, ctx.Err())
		case <-time.After(s.cfg.BatchInterval):
		}
	} else if ctx.Err() != nil {
		return Batch{}, errFactory.Wrap(ErrFault, ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return Batch{}, errFactory.New(ErrClosed)
	}

	s.batches++
	if s.cfg.FailAfter > 0 && s.batches > s.cfg.FailAfter*len(sh.channels) {
		return Batch{}, errFactory.WithMessage(ErrFault, "simulated device fault")
	}

	channel := sh.channels[sh.next%len(sh.channels)]
	sh.next++

	periodNs := int64(float64(time.Second) / s.cfg.SamplingHz)
	samples := make([]RawSample, s.cfg.BatchSize)
	for i := range samples {
		t := s.clockNs
		s.clockNs += periodNs

		// Scaled targets: Vbat around 3.8 V, Vshunt a slow sine between
		// 10 and 60 mV plus noise. Raw counts are targets divided by scale.
		phase := float64(t%int64(4*time.Second)) / float64(4*time.Second)
		vshuntV := 0.035 + 0.025*math.Sin(2*math.Pi*phase) + s.rng.Float64()*0.002
		vbatV := 3.8 + s.rng.Float64()*0.05
		if !s.switches[channel] {
			vshuntV = 0
		}

		samples[i] = RawSample{
			Timestamp: t,
			Vshunt:    math.Round(vshuntV / s.cfg.VshuntScale),
			Vbat:      math.Round(vbatV / s.cfg.VbatScale),
			HasVbat:   true,
		}
	}

	return Batch{Channel: channel, Samples: samples}, nil
}

func (s *Sim) SetAttribute(name, value string) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attrs[name]; !ok {
		return errFactory.WithData(ErrUnknownAttribute, struct{ Attribute string }{name})
	}

	if name == AttrIntegrationTime {
		if !containsField(s.attrs[AttrIntegrationTimeAvailable], value) {
			return errFactory.WithData(ErrUnsupportedParameter, struct {
				Attribute string
				Value     string
				Accepted  string
			}{name, value, s.attrs[AttrIntegrationTimeAvailable]})
		}
	}

	s.attrs[name] = value
	return nil
}

func (s *Sim) GetAttribute(name string) (string, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.attrs[name]
	if !ok {
		return "", errFactory.WithData(ErrUnknownAttribute, struct{ Attribute string }{name})
	}
	return value, nil
}

func (s *Sim) SetSwitch(channel int, on bool) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if channel < 0 || channel >= s.cfg.Channels {
		return errFactory.WithData(ErrUnknownChannel, struct{ Channel int }{channel})
	}
	s.switches[channel] = on
	return nil
}

func (s *Sim) Info(channel int) (ProbeInfo, error) {
	errFactory := errors.New()

	if channel < 0 || channel >= s.cfg.Channels {
		return ProbeInfo{}, errFactory.WithData(ErrUnknownChannel, struct{ Channel int }{channel})
	}

	return ProbeInfo{
		Name:           fmt.Sprintf("SimProbe %d", channel),
		Serial:         fmt.Sprintf("SIM-%04d", channel),
		HasPowerSwitch: true,
	}, nil
}

func (s *Sim) Close(_ Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func containsField(list, value string) bool {
	for _, f := range strings.Fields(list) {
		if f == value {
			return true
		}
	}
	return false
}

var _ Adapter = (*Sim)(nil)

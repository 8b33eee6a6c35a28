// Package capture drives the continuous acquisition loop: it calibrates the
// probe, pulls raw batches over the transport on a dedicated goroutine,
// normalizes timestamps, hands batches to the compute pipeline and appends
// the results to the session.
//
// One goroutine issues all ReadBatch calls; batches travel over a bounded
// channel to the processing goroutine. When processing falls behind, the
// reader blocks instead of dropping samples: acquisition correctness
// outranks display latency.
package capture

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/acmeprobe/internal/calibration"
	"codeberg.org/mutker/acmeprobe/internal/compute"
	"codeberg.org/mutker/acmeprobe/internal/errors"
	"codeberg.org/mutker/acmeprobe/internal/logger"
	"codeberg.org/mutker/acmeprobe/internal/session"
	"codeberg.org/mutker/acmeprobe/internal/stats"
	"codeberg.org/mutker/acmeprobe/internal/transport"
)

const (
	defaultQueueDepth = 8
	subscriberBuffer  = 256

	// A gap longer than this many expected sample periods between batches
	// points at an overflow on the probe side.
	discontinuityPeriods = 6

	// Inter-batch periods averaged for the sample rate estimate.
	ratePeriodWindow = 10
)

// Config carries the calibration overrides and queue geometry for a capture.
type Config struct {
	// ShuntOverrides are per-channel shunt values in mOhms, indexed by
	// channel; zero means no override for that channel.
	ShuntOverrides []float64
	// ForcedVshuntScale replaces the probe's Vshunt scale when positive.
	ForcedVshuntScale float64
	// ForceScale proceeds despite a scale mismatch instead of failing fast.
	ForceScale bool
	QueueDepth int
}

type channelAggs struct {
	primary *stats.Aggregator
	vbat    *stats.Aggregator
}

type channelState struct {
	lastTsNs    int64
	hasLast     bool
	skipLogged  bool
	lastBatch   time.Time
	periodsMs   []float64
	estimatedHz float64
}

// Scheduler owns the capture state machine and the acquisition goroutines.
type Scheduler struct {
	adapter transport.Adapter
	unit    *calibration.Unit
	cfg     Config

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	stopping bool
	err      error

	// procMu serializes batch processing with calibration edits and buffer
	// resets, so every batch is computed and appended under one consistent
	// calibration view. Lock order: procMu before mu, never the reverse.
	procMu sync.Mutex

	sess      *session.Session
	handle    transport.Handle
	effective calibration.EffectiveParams
	plan      calibration.SamplingPlan

	batchCh  chan transport.Batch
	done     chan struct{}
	aggs     map[int]*channelAggs
	channels map[int]*channelState
	subs     map[int][]chan session.DerivedSample
}

func NewScheduler(adapter transport.Adapter, cfg Config) *Scheduler {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	s := &Scheduler{
		adapter:  adapter,
		unit:     calibration.NewUnit(adapter),
		cfg:      cfg,
		state:    StateIdle,
		aggs:     make(map[int]*channelAggs),
		channels: make(map[int]*channelState),
		subs:     make(map[int][]chan session.DerivedSample),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fault that terminated the capture loop, if any.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Session returns a read handle on the session owned by the current capture.
func (s *Scheduler) Session() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// EffectiveParams returns the negotiated device parameters.
func (s *Scheduler) EffectiveParams() calibration.EffectiveParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effective
}

// Start calibrates the probe, opens the transport for the session's enabled
// channels and enters Running. Calibration and parameter errors surface here
// and never mid-capture. An ambiguous shunt detection leaves that channel
// uncalibrated (it produces no derived samples) without blocking the start.
func (s *Scheduler) Start(ctx context.Context, sess *session.Session) error {
	errFactory := errors.New()

	s.mu.Lock()
	if s.state != StateIdle && s.state != StateStopped {
		from := s.state
		s.mu.Unlock()
		return errFactory.WithData(ErrInvalidState, struct {
			From string
			Op   string
		}{from.String(), "start"})
	}
	s.state = StateConfiguring
	s.stopping = false
	s.err = nil
	s.mu.Unlock()

	if err := s.configure(ctx, sess); err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.state = StateRunning
	s.batchCh = make(chan transport.Batch, s.cfg.QueueDepth)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.readLoop(ctx)
	go s.processLoop()

	logger.Info().
		Str("integration_time", s.effective.IntegrationTime).
		Int("oversampling", s.effective.Oversampling).
		Float64("sample_rate_hz", s.plan.FrequencyHz).
		Msg("Capture started")

	return nil
}

func (s *Scheduler) configure(ctx context.Context, sess *session.Session) error {
	errFactory := errors.New()

	st := sess.Settings()
	ov := compute.OverridesFrom(st)
	if err := ov.Validate(); err != nil {
		return err
	}

	effective, err := s.unit.Negotiate(st.IntegrationTime, st.Oversampling)
	if err != nil {
		return err
	}
	st.IntegrationTime = effective.IntegrationTime
	st.Oversampling = effective.Oversampling
	sess.UpdateSettings(st)

	var enabled []int
	for _, ch := range sess.Channels() {
		if !ch.Enabled {
			continue
		}
		enabled = append(enabled, ch.Index)
	}
	if len(enabled) == 0 {
		return errFactory.New(ErrNoChannels)
	}

	plan, err := s.unit.Plan(len(enabled))
	if err != nil {
		return err
	}

	for _, ch := range sess.Channels() {
		if !ch.Enabled {
			continue
		}
		if err := s.calibrateChannel(sess, ch); err != nil {
			return err
		}
	}

	handle, err := s.adapter.Open(ctx, enabled)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sess = sess
	s.handle = handle
	s.effective = effective
	s.plan = plan
	s.aggs = make(map[int]*channelAggs, len(enabled))
	s.channels = make(map[int]*channelState, len(enabled))
	for _, idx := range enabled {
		s.aggs[idx] = &channelAggs{
			primary: stats.NewAggregator(),
			vbat:    stats.NewAggregator(),
		}
		s.channels[idx] = &channelState{}
	}
	s.mu.Unlock()

	return nil
}

func (s *Scheduler) calibrateChannel(sess *session.Session, ch session.Channel) error {
	scale, err := s.unit.ValidateScale(ch.Index, s.cfg.ForcedVshuntScale, s.cfg.ForceScale)
	if err != nil {
		return err
	}
	ch.VshuntScale = scale.Scale
	ch.VbatScale = s.unit.VbatScale(ch.Index)

	var override float64
	if ch.Index < len(s.cfg.ShuntOverrides) {
		override = s.cfg.ShuntOverrides[ch.Index]
	}
	if override == 0 && ch.ShuntOverride && ch.ShuntMilliOhms > 0 {
		override = ch.ShuntMilliOhms
	}

	shunt, err := s.unit.DetectShunt(ch.Index, override)
	switch {
	case err == nil:
		ch.ShuntMilliOhms = shunt.MilliOhms
		ch.Calibrated = true
		ch.ShuntOverride = shunt.Overridden
	case errors.HasCode(err, calibration.ErrCalibrationAmbiguous):
		logger.Warn().
			Int("channel", ch.Index).
			Err(err).
			Msg("Shunt detection inconclusive; channel stays uncalibrated until --shunts is supplied")
		ch.Calibrated = false
	default:
		return err
	}

	if ch.Name == "" {
		if info, err := s.adapter.Info(ch.Index); err == nil && info.Name != "" {
			ch.Name = info.Name
		}
	}

	return sess.UpdateChannel(ch)
}

// readLoop is the sole issuer of ReadBatch calls. Stop is cooperative: the
// flag is observed after each read returns, never aborting one in flight,
// and the batch already read is still delivered so nothing is lost at the
// boundary.
func (s *Scheduler) readLoop(ctx context.Context) {
	defer close(s.batchCh)

	for {
		s.mu.Lock()
		for s.state == StatePaused && !s.stopping {
			s.cond.Wait()
		}
		stop := s.stopping
		s.mu.Unlock()
		if stop {
			return
		}

		batch, err := s.adapter.ReadBatch(ctx, s.handle)
		if err != nil {
			s.mu.Lock()
			if !s.stopping {
				s.err = err
				s.stopping = true
				logger.Error().Err(err).Msg("Transport fault; capture halting")
			}
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}
		if len(batch.Samples) == 0 {
			continue
		}

		s.batchCh <- batch
	}
}

func (s *Scheduler) processLoop() {
	for batch := range s.batchCh {
		s.handleBatch(batch)
	}

	if err := s.adapter.Close(s.handle); err != nil {
		logger.Debug().Err(err).Msg("Transport close failed")
	}

	s.mu.Lock()
	s.state = StateStopped
	subs := s.subs
	s.subs = make(map[int][]chan session.DerivedSample)
	s.mu.Unlock()

	for _, chans := range subs {
		for _, c := range chans {
			close(c)
		}
	}

	close(s.done)
	logger.Info().Msg("Capture stopped")
}

func (s *Scheduler) handleBatch(b transport.Batch) {
	sess := s.sess
	if _, ok := sess.Channel(b.Channel); !ok {
		logger.Warn().Int("channel", b.Channel).Msg("Batch for unknown channel dropped")
		return
	}

	// channelState is read by SampleRate and swapped by ResetBuffers under
	// the scheduler mutex, so its updates take it too.
	s.mu.Lock()
	cs := s.channels[b.Channel]
	if cs == nil {
		cs = &channelState{}
		s.channels[b.Channel] = cs
	}
	s.trackContinuity(cs, b)
	s.mu.Unlock()

	s.procMu.Lock()
	defer s.procMu.Unlock()

	ch, _ := sess.Channel(b.Channel)
	epochNs, haveEpoch := sess.Epoch(b.Channel)
	if !haveEpoch {
		epochNs = b.Samples[0].Timestamp
	}

	ov := compute.OverridesFrom(sess.Settings())
	derived, err := compute.Batch(b.Samples, ch, ov, epochNs)
	if err != nil {
		// Per-channel compute failures keep the raw samples (so a later
		// recalibration can recompute) but produce no derived output and
		// never halt acquisition on other channels.
		if !cs.skipLogged {
			logger.Warn().Int("channel", b.Channel).Err(err).
				Msg("Channel produces no derived samples until corrected")
			cs.skipLogged = true
		}
		if err := sess.Append(b.Channel, b.Samples, nil); err != nil {
			logger.Error().Err(err).Msg("Failed to append raw batch")
		}
		return
	}
	cs.skipLogged = false

	if err := sess.Append(b.Channel, b.Samples, derived); err != nil {
		logger.Error().Err(err).Msg("Failed to append batch")
		return
	}

	if aggs := s.aggs[b.Channel]; aggs != nil {
		for _, d := range derived {
			if d.HasPower {
				aggs.primary.Update(d.Power)
				aggs.vbat.Update(d.Vbat)
			} else {
				aggs.primary.Update(d.Vshunt)
			}
		}
	}

	s.publish(b.Channel, derived)
}

// trackContinuity updates the sample-rate estimate and warns when the gap to
// the previous batch suggests the probe overflowed and lost samples.
func (s *Scheduler) trackContinuity(cs *channelState, b transport.Batch) {
	first := b.Samples[0].Timestamp
	last := b.Samples[len(b.Samples)-1].Timestamp

	if s.plan.FrequencyHz > 0 && cs.hasLast {
		periodMs := 1000 / s.plan.FrequencyHz
		gapMs := float64(first-cs.lastTsNs) / 1e6
		if gapMs > discontinuityPeriods*periodMs {
			logger.Warn().
				Int("channel", b.Channel).
				Float64("gap_ms", gapMs).
				Int("suspected_missed_samples", int(gapMs/periodMs)).
				Msg("Data overflow suspected between batches")
		}
	}
	cs.lastTsNs = last
	cs.hasLast = true

	if spanMs := float64(last-first) / 1e6; spanMs > 0 && len(b.Samples) > 1 {
		cs.estimatedHz = 1000 * float64(len(b.Samples)-1) / spanMs
	}

	now := time.Now()
	if !cs.lastBatch.IsZero() {
		cs.periodsMs = append(cs.periodsMs, float64(now.Sub(cs.lastBatch).Microseconds())/1000)
		if len(cs.periodsMs) > ratePeriodWindow {
			cs.periodsMs = cs.periodsMs[len(cs.periodsMs)-ratePeriodWindow:]
		}
	}
	cs.lastBatch = now
}

func (s *Scheduler) publish(channel int, derived []session.DerivedSample) {
	s.mu.Lock()
	subs := s.subs[channel]
	s.mu.Unlock()

	for _, c := range subs {
		for _, d := range derived {
			select {
			case c <- d:
			default:
				// Slow subscribers miss updates; the session retains
				// everything, so nothing is lost from the capture itself.
			}
		}
	}
}

// Pause suspends acquisition between batches; the transport stays open.
func (s *Scheduler) Pause() error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return errFactory.WithData(ErrInvalidState, struct {
			From string
			Op   string
		}{s.state.String(), "pause"})
	}
	s.state = StatePaused
	return nil
}

// Resume continues acquisition after a Pause.
func (s *Scheduler) Resume() error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePaused {
		return errFactory.WithData(ErrInvalidState, struct {
			From string
			Op   string
		}{s.state.String(), "resume"})
	}
	s.state = StateRunning
	s.cond.Broadcast()
	return nil
}

// Stop signals the read loop to exit at the next batch boundary, waits for
// all buffered batches to be processed and returns the fault that ended the
// loop, if any. Stopping an already stopped capture is a no-op.
func (s *Scheduler) Stop() error {
	errFactory := errors.New()

	s.mu.Lock()
	switch s.state {
	case StateIdle, StateConfiguring:
		from := s.state
		s.mu.Unlock()
		return errFactory.WithData(ErrInvalidState, struct {
			From string
			Op   string
		}{from.String(), "stop"})
	case StateStopped:
		err := s.err
		s.mu.Unlock()
		return err
	default:
	}
	s.stopping = true
	s.cond.Broadcast()
	done := s.done
	s.mu.Unlock()

	<-done
	return s.Err()
}

// Subscribe returns a forward-only stream of derived samples for a channel,
// closed when the capture stops. It never replays already-published samples;
// use the session for history.
func (s *Scheduler) Subscribe(channel int) (<-chan session.DerivedSample, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess == nil {
		return nil, errFactory.New(ErrNotConfigured)
	}
	if _, ok := s.sess.Channel(channel); !ok {
		return nil, errFactory.WithData(ErrUnknownChannel, struct{ Channel int }{channel})
	}

	c := make(chan session.DerivedSample, subscriberBuffer)
	if s.state == StateStopped {
		close(c)
		return c, nil
	}
	s.subs[channel] = append(s.subs[channel], c)
	return c, nil
}

// Stats returns the statistics snapshot for a channel.
func (s *Scheduler) Stats(channel int) (ChannelStats, error) {
	errFactory := errors.New()

	s.mu.Lock()
	aggs := s.aggs[channel]
	s.mu.Unlock()

	if aggs == nil {
		return ChannelStats{}, errFactory.WithData(ErrUnknownChannel, struct{ Channel int }{channel})
	}
	return ChannelStats{
		Primary: aggs.primary.Snapshot(),
		Vbat:    aggs.vbat.Snapshot(),
	}, nil
}

// SampleRate returns the estimated achieved sample rate for a channel in Hz.
func (s *Scheduler) SampleRate(channel int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs := s.channels[channel]; cs != nil {
		return cs.estimatedHz
	}
	return 0
}

// SetShunt applies a user-edited shunt value to a channel, recomputes its
// whole derived sequence from the stored raw samples and rebuilds its
// statistics from scratch.
func (s *Scheduler) SetShunt(channel int, milliOhms float64) error {
	errFactory := errors.New()

	// Holding the processing lock across update and recompute means no batch
	// computed with the old shunt can land after the recompute.
	s.procMu.Lock()
	defer s.procMu.Unlock()

	s.mu.Lock()
	sess := s.sess
	aggs := s.aggs[channel]
	s.mu.Unlock()

	if sess == nil {
		return errFactory.New(ErrNotConfigured)
	}
	ch, ok := sess.Channel(channel)
	if !ok {
		return errFactory.WithData(ErrUnknownChannel, struct{ Channel int }{channel})
	}
	if milliOhms <= 0 {
		return errFactory.WithData(errors.ErrInvalidArgument, struct {
			Channel   int
			MilliOhms float64
		}{channel, milliOhms})
	}

	ch.ShuntMilliOhms = milliOhms
	ch.Calibrated = true
	ch.ShuntOverride = true
	if err := sess.UpdateChannel(ch); err != nil {
		return err
	}

	if err := compute.Recompute(sess, channel); err != nil {
		return err
	}

	if aggs != nil {
		aggs.primary.Reset()
		aggs.vbat.Reset()
		for _, d := range sess.Derived(channel) {
			if d.HasPower {
				aggs.primary.Update(d.Power)
				aggs.vbat.Update(d.Vbat)
			} else {
				aggs.primary.Update(d.Vshunt)
			}
		}
	}

	return nil
}

// SetPowerSwitch drives the probe's power switch relay for a channel. A
// failed relay write surfaces as a device error.
func (s *Scheduler) SetPowerSwitch(channel int, on bool) error {
	if err := s.adapter.SetSwitch(channel, on); err != nil {
		return errors.New().Wrap(transport.ErrDevice, err)
	}
	return nil
}

// ResetBuffers drops all captured samples and statistics, keeping channels,
// settings and the open transport. Mirrors the original re-init operation.
func (s *Scheduler) ResetBuffers() error {
	errFactory := errors.New()

	s.procMu.Lock()
	defer s.procMu.Unlock()

	s.mu.Lock()
	sess := s.sess
	aggs := s.aggs
	s.channels = make(map[int]*channelState, len(s.channels))
	s.mu.Unlock()

	if sess == nil {
		return errFactory.New(ErrNotConfigured)
	}

	sess.ResetData()
	for _, a := range aggs {
		a.primary.Reset()
		a.vbat.Reset()
	}
	return nil
}

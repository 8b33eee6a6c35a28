package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/acmeprobe/internal/calibration"
	"codeberg.org/mutker/acmeprobe/internal/capture"
	"codeberg.org/mutker/acmeprobe/internal/config"
	"codeberg.org/mutker/acmeprobe/internal/errors"
	"codeberg.org/mutker/acmeprobe/internal/logger"
	"codeberg.org/mutker/acmeprobe/internal/pid"
	"codeberg.org/mutker/acmeprobe/internal/session"
	"codeberg.org/mutker/acmeprobe/internal/transport"
)

const statusInterval = 2 * time.Second

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := run(); err != nil {
		logger.ErrorWithCode(wrap(err)).Msg("acmeprobe failed")
		os.Exit(1)
	}
}

func run() error {
	if cfg.Load != "" {
		return displayCapture(cfg.Load)
	}

	adapter, err := newAdapter()
	if err != nil {
		return err
	}

	if cfg.ListIntTimes {
		return listIntegrationTimes(adapter)
	}

	if err := pid.Write(); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	sess, err := newSession(adapter)
	if err != nil {
		return err
	}

	overrides, err := cfg.ShuntOverrides()
	if err != nil {
		return err
	}

	scheduler := capture.NewScheduler(adapter, capture.Config{
		ShuntOverrides:    overrides,
		ForcedVshuntScale: cfg.VshuntScale,
		ForceScale:        cfg.ForceScale,
		QueueDepth:        cfg.QueueDepth,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := scheduler.Start(ctx, sess); err != nil {
		return err
	}

	loop(ctx, scheduler)

	captureErr := scheduler.Stop()
	if captureErr != nil {
		logger.Error().Err(captureErr).Msg("capture ended with a fault; captured data is kept")
	}

	if err := saveOutput(sess); err != nil {
		return err
	}

	logger.Info().Int("samples", sess.SampleCount()).Msg("Exiting...")
	return captureErr
}

func loop(ctx context.Context, scheduler *capture.Scheduler) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if scheduler.State() == capture.StateStopped {
				return
			}
			logStatus(scheduler)
		}
	}
}

func logStatus(scheduler *capture.Scheduler) {
	if !cfg.Verbose && !cfg.Debug {
		return
	}

	sess := scheduler.Session()
	ishunt := sess.Settings().IshuntOnly
	for _, ch := range sess.Channels() {
		if !ch.Enabled {
			continue
		}
		st, err := scheduler.Stats(ch.Index)
		if err != nil {
			continue
		}

		event := logger.Info().
			Int("channel", ch.Index).
			Str("name", ch.Name).
			Uint64("samples", st.Primary.Count).
			Float64("rate_hz", scheduler.SampleRate(ch.Index))
		if ishunt {
			event.
				Float64("vshunt_mean_v", st.Primary.Mean).
				Float64("vshunt_min_v", st.Primary.Min).
				Float64("vshunt_max_v", st.Primary.Max)
		} else {
			event.
				Float64("power_mean_w", st.Primary.Mean).
				Float64("power_min_w", st.Primary.Min).
				Float64("power_max_w", st.Primary.Max).
				Float64("vbat_mean_v", st.Vbat.Mean)
		}
		event.Msg("")
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func newAdapter() (transport.Adapter, error) {
	errFactory := errors.New()

	if cfg.Sim {
		return transport.NewSim(transport.SimConfig{
			Channels:      4,
			BatchInterval: 100 * time.Millisecond,
		}), nil
	}

	// The network transport to a real probe is not built in; captures
	// against hardware go through an external adapter.
	return nil, errFactory.WithMessage(errors.ErrNotImplemented,
		"no probe transport available; use --sim or --load")
}

func listIntegrationTimes(adapter transport.Adapter) error {
	accepted, err := calibration.NewUnit(adapter).ListAcceptedIntegrationTimes()
	if err != nil {
		return err
	}
	fmt.Println("Accepted integration times:")
	for _, t := range accepted {
		fmt.Printf("  %s\n", t)
	}
	return nil
}

// newSession builds the capture session, seeded from a template file when one
// was given, otherwise from the discovered channels and the command line.
func newSession(adapter transport.Adapter) (*session.Session, error) {
	settings := session.Settings{
		IntegrationTime: cfg.IntegrationTime,
		Oversampling:    cfg.Oversampling,
		AbsoluteTime:    cfg.AbsoluteTime,
		TimeOffsetMs:    cfg.TimeOffset,
		ForceVbat:       cfg.Vbat > 0,
		ForcedVbat:      cfg.Vbat,
		IshuntOnly:      cfg.Ishunt,
	}

	if cfg.Template != "" {
		sess, err := loadTemplate(cfg.Template)
		if err != nil {
			return nil, err
		}
		// Command-line options still win over the template.
		ts := sess.Settings()
		if cfg.IntegrationTime != "" {
			ts.IntegrationTime = cfg.IntegrationTime
		}
		if cfg.Oversampling != config.DefaultOversampling {
			ts.Oversampling = cfg.Oversampling
		}
		ts.AbsoluteTime = settings.AbsoluteTime
		ts.TimeOffsetMs = settings.TimeOffsetMs
		if settings.ForceVbat {
			ts.ForceVbat = true
			ts.ForcedVbat = settings.ForcedVbat
		}
		if settings.IshuntOnly {
			ts.IshuntOnly = true
		}
		sess.UpdateSettings(ts)
		return sess, nil
	}

	indexes, err := adapter.Discover(context.Background())
	if err != nil {
		return nil, err
	}

	channels := make([]session.Channel, 0, len(indexes))
	for _, idx := range indexes {
		channels = append(channels, session.Channel{
			Index:   idx,
			Enabled: true,
		})
	}

	return session.New(settings, channels)
}

func loadTemplate(path string) (*session.Session, error) {
	if isYAML(path) {
		return session.ImportTemplate(path)
	}
	return session.LoadTemplate(path)
}

// displayCapture loads a saved capture and prints its contents instead of
// acquiring. No probe connection is made in this mode.
func displayCapture(path string) error {
	sess, err := session.LoadFull(path)
	if err != nil {
		return err
	}

	st := sess.Settings()
	fmt.Printf("Capture file: %s\n", path)
	fmt.Printf("  integration time: %s, oversampling: %d\n", st.IntegrationTime, st.Oversampling)
	if st.IshuntOnly {
		fmt.Println("  mode: ishunt only")
	}
	for _, ch := range sess.Channels() {
		fmt.Printf("  channel %d %q: %d samples", ch.Index, ch.Name, sess.DerivedLen(ch.Index))
		if ch.Calibrated {
			fmt.Printf(", shunt %g mOhms", ch.ShuntMilliOhms)
		} else {
			fmt.Print(", uncalibrated")
		}
		fmt.Println()
	}

	return saveOutput(sess)
}

// saveOutput writes the session to --output. A .csv suffix selects per-channel
// CSV export, a .yaml suffix a settings template, anything else the capture
// file format.
func saveOutput(sess *session.Session) error {
	if cfg.Output == "" {
		return nil
	}

	switch {
	case strings.HasSuffix(cfg.Output, ".csv"):
		base := strings.TrimSuffix(cfg.Output, ".csv")
		paths, err := session.ExportCSV(sess, base)
		if err != nil {
			return err
		}
		for _, p := range paths {
			logger.Info().Str("path", p).Msg("Wrote CSV export")
		}
	case isYAML(cfg.Output):
		if err := session.ExportTemplate(sess, cfg.Output); err != nil {
			return err
		}
		logger.Info().Str("path", cfg.Output).Msg("Wrote settings template")
	default:
		if err := session.Save(sess, cfg.Output); err != nil {
			return err
		}
		logger.Info().Str("path", cfg.Output).Msg("Wrote capture file")
	}

	return nil
}

func isYAML(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

func wrap(err error) errors.Error {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return errors.New().Wrap(errors.ErrInternal, err)
}
